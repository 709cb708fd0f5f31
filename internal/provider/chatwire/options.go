package chatwire

import "encoding/json"

func extractFloat(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func extractInt(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func extractString(options map[string]any, key string) (string, bool) {
	str, ok := options[key].(string)
	return str, ok
}

// extractStringSlice accepts a single string as a one-element list.
func extractStringSlice(options map[string]any, key string) ([]string, bool) {
	switch v := options[key].(type) {
	case string:
		return []string{v}, true
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

func extractRaw(options map[string]any, key string) (json.RawMessage, bool) {
	switch v := options[key].(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return json.RawMessage(v), true
	case nil:
		return nil, false
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return raw, true
	}
}

func extractLogitBias(options map[string]any) (map[string]float64, bool) {
	switch v := options["logit_bias"].(type) {
	case map[string]float64:
		return v, true
	case map[string]any:
		out := make(map[string]float64, len(v))
		for key, rawVal := range v {
			switch val := rawVal.(type) {
			case float64:
				out[key] = val
			case json.Number:
				f, err := val.Float64()
				if err != nil {
					return nil, false
				}
				out[key] = f
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}
