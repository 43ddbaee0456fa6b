package util

import "encoding/json"

// ConvertMapToStruct converts a decoded JSON map into a typed struct by
// round-tripping through the JSON codec. Used for message payloads that
// arrive as map[string]any.
func ConvertMapToStruct(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PayloadMap narrows a message payload to a map, returning an empty map
// for nil or non-map payloads.
func PayloadMap(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
