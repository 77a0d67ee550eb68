package planner

import "encoding/json"

// maxResultItems caps list payloads before they are fed back to the model.
const maxResultItems = 10

// truncateResult trims oversized list payloads so a single search result
// cannot flood the context window. A top-level array longer than max is
// wrapped as {"items": [...], "_truncated": true}; array values inside a
// top-level object are capped in place with the same marker on the object.
// Anything else passes through untouched.
func truncateResult(payload json.RawMessage, max int) json.RawMessage {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return payload
	}

	switch v := decoded.(type) {
	case []any:
		if len(v) <= max {
			return payload
		}
		out, err := json.Marshal(map[string]any{"items": v[:max], "_truncated": true})
		if err != nil {
			return payload
		}
		return out

	case map[string]any:
		cut := false
		for key, val := range v {
			if list, ok := val.([]any); ok && len(list) > max {
				v[key] = list[:max]
				cut = true
			}
		}
		if !cut {
			return payload
		}
		v["_truncated"] = true
		out, err := json.Marshal(v)
		if err != nil {
			return payload
		}
		return out

	default:
		return payload
	}
}
