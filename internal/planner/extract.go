package planner

import (
	"encoding/json"
	"strings"
)

// Entity is something a tool result mentioned, remembered so a follow-up like
// "the second one" can be resolved later.
type Entity struct {
	Address string
	Symbol  string
	Name    string
	Chain   string
}

// EntityExtractor pulls entities out of one successful tool payload.
type EntityExtractor func(payload json.RawMessage) []Entity

// ExtractTokens walks a tool payload and collects every object that looks
// like a token: a map carrying an "address" string, with symbol, name, and
// chainId picked up when present. Nested pair objects (baseToken/quoteToken)
// are found by the recursive walk.
func ExtractTokens(payload json.RawMessage) []Entity {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil
	}

	var found []Entity
	walkForTokens(decoded, &found)
	return dedupeEntities(found)
}

func walkForTokens(node any, found *[]Entity) {
	switch v := node.(type) {
	case map[string]any:
		if addr, ok := v["address"].(string); ok && looksLikeAddress(addr) {
			e := Entity{Address: strings.ToLower(addr)}
			e.Symbol, _ = v["symbol"].(string)
			e.Name, _ = v["name"].(string)
			if chain, ok := v["chainId"].(string); ok {
				e.Chain = chain
			}
			*found = append(*found, e)
		}
		for _, val := range v {
			walkForTokens(val, found)
		}
	case []any:
		for _, item := range v {
			walkForTokens(item, found)
		}
	}
}

func looksLikeAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x")
}

func dedupeEntities(entities []Entity) []Entity {
	if len(entities) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(entities))
	out := entities[:0]
	for _, e := range entities {
		if seen[e.Address] {
			continue
		}
		seen[e.Address] = true
		out = append(out, e)
	}
	return out
}

// mergeEntities appends new entities, keeping the first sighting of each
// address.
func mergeEntities(existing, extra []Entity) []Entity {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.Address] = true
	}
	for _, e := range extra {
		if !seen[e.Address] {
			seen[e.Address] = true
			existing = append(existing, e)
		}
	}
	return existing
}
