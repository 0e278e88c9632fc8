package downloader

import (
	"strings"
)

// ParsedSymbol is the base/quote decomposition of a venue symbol string,
// ported from original_source/data/downloaders/symbol_mapper.py's
// SymbolMapper.parse.
type ParsedSymbol struct {
	Base        string
	Quote       string
	Original    string
	IsPerpetual bool
}

// quoteCurrencies is tried in order and the first suffix match wins; BUSD
// before USD avoids misparsing BTCBUSD as base "BTCB", quote "USD".
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "DAI": true,
	"USDP": true, "FDUSD": true, "TUSD": true,
}

var leveragedSuffixes = []string{"UP", "DOWN", "BULL", "BEAR", "3L", "3S", "2L", "2S"}

// ParseSymbol normalizes a venue symbol string (CCXT "BASE/QUOTE", OKX
// "BASE-QUOTE" or "BASE-QUOTE-SWAP", or bare Binance-style "BASEQUOTE") into
// a ParsedSymbol. Returns false if no known quote currency could be
// identified.
func ParseSymbol(symbol string) (ParsedSymbol, bool) {
	if symbol == "" {
		return ParsedSymbol{}, false
	}
	original := symbol
	s := strings.ToUpper(strings.TrimSpace(symbol))

	isPerpetual := false
	if strings.Contains(s, "-SWAP") {
		s = strings.ReplaceAll(s, "-SWAP", "")
		isPerpetual = true
	}

	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return ParsedSymbol{Base: parts[0], Quote: parts[1], Original: original, IsPerpetual: isPerpetual}, true
		}
	}

	if strings.Contains(s, "-") {
		parts := strings.SplitN(s, "-", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return ParsedSymbol{Base: parts[0], Quote: parts[1], Original: original, IsPerpetual: isPerpetual}, true
		}
	}

	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) {
			base := strings.TrimSuffix(s, q)
			if base != "" {
				return ParsedSymbol{Base: base, Quote: q, Original: original, IsPerpetual: isPerpetual}, true
			}
		}
	}

	return ParsedSymbol{}, false
}

// ToInternal renders the canonical "{BASE}{QUOTE}" form this module's
// broker package expects (Binance-style).
func ToInternal(symbol string) (string, bool) {
	p, ok := ParseSymbol(symbol)
	if !ok {
		return "", false
	}
	return p.Base + p.Quote, true
}

// ToCCXT renders the "BASE/QUOTE" form.
func ToCCXT(symbol string) (string, bool) {
	p, ok := ParseSymbol(symbol)
	if !ok {
		return "", false
	}
	return p.Base + "/" + p.Quote, true
}

// IsStablecoinBase reports whether symbol's base currency is a stablecoin.
func IsStablecoinBase(symbol string) bool {
	p, ok := ParseSymbol(symbol)
	return ok && stablecoins[p.Base]
}

// IsLeveragedToken reports whether symbol's base currency carries a known
// leveraged-token suffix (UP/DOWN/BULL/BEAR/3L/3S/2L/2S).
func IsLeveragedToken(symbol string) bool {
	p, ok := ParseSymbol(symbol)
	if !ok {
		return false
	}
	for _, suf := range leveragedSuffixes {
		if strings.HasSuffix(p.Base, suf) {
			return true
		}
	}
	return false
}
