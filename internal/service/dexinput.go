package service

import (
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// dextoolsChains maps dextools path segments to dexscreener chain ids.
var dextoolsChains = map[string]string{
	"ether":    "eth",
	"ethereum": "eth",
	"arb":      "arbitrum",
	"op":       "optimism",
}

// ParseDexInput accepts a bare 0x pair address, a dexscreener.com pair URL or
// a dextools.io pair-explorer URL. Pair addresses are lowercased; a bare
// address carries no chain.
func ParseDexInput(input string) (domain.DexRef, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return domain.DexRef{}, false
	}
	if strings.HasPrefix(input, "0x") && common.IsHexAddress(input) {
		return domain.DexRef{Pair: strings.ToLower(input)}, true
	}

	raw := input
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return domain.DexRef{}, false
	}
	host := strings.ToLower(u.Hostname())
	parts := pathParts(u.Path)

	switch {
	case hostIs(host, "dexscreener.com"):
		if len(parts) >= 2 {
			return domain.DexRef{Chain: strings.ToLower(parts[0]), Pair: strings.ToLower(parts[1])}, true
		}
	case hostIs(host, "dextools.io"):
		for i, p := range parts {
			if p != "pair-explorer" || i == 0 || i+1 >= len(parts) {
				continue
			}
			chain := strings.ToLower(parts[i-1])
			if mapped, ok := dextoolsChains[chain]; ok {
				chain = mapped
			}
			return domain.DexRef{Chain: chain, Pair: strings.ToLower(parts[i+1])}, true
		}
	}
	return domain.DexRef{}, false
}

func hostIs(host, name string) bool {
	return host == name || strings.HasSuffix(host, "."+name)
}

func pathParts(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
