package symbols

import "strings"

// Normalize converts common pair spellings (btc-usdt, BTC/USDT, XBT_USDT,
// OKX-style BTC-USDT-SWAP) to the exchange's spot form, e.g. BTCUSDT.
func Normalize(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.TrimSuffix(sym, "-SWAP")
	sym = strings.NewReplacer("-", "", "/", "", "_", "", " ", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}
