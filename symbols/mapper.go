// Package symbols converts between the canonical BASE/QUOTE form used
// throughout arbflow (e.g. BTC/KRW) and the native market codes each
// exchange expects. A malformed market code makes an exchange answer with an
// empty body instead of an error, so the mapping must be exact.
package symbols

import (
	"fmt"
	"strings"

	"arbflow/models"
)

// Parse splits a canonical BASE/QUOTE symbol into its parts. Both parts must
// be non-empty; the error carries KindConfig since a bad symbol is a
// programming error, not a transient condition.
func Parse(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", models.Errorf(models.KindConfig, "symbols.parse",
			"symbol %q is not in BASE/QUOTE form", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// ToUpbit converts BTC/KRW to Upbit's QUOTE-BASE market code KRW-BTC.
func ToUpbit(symbol string) (string, error) {
	base, quote, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", quote, base), nil
}

// FromUpbit converts an Upbit market code such as KRW-BTC back to BTC/KRW.
func FromUpbit(market string) (string, error) {
	parts := strings.Split(market, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", models.Errorf(models.KindConfig, "symbols.from_upbit",
			"market code %q is not in QUOTE-BASE form", market)
	}
	return fmt.Sprintf("%s/%s", strings.ToUpper(parts[1]), strings.ToUpper(parts[0])), nil
}

// ToBinance converts BTC/USDT to Binance's concatenated BTCUSDT form.
func ToBinance(symbol string) (string, error) {
	base, quote, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}
