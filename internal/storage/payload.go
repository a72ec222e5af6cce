package storage

import "encoding/json"

// encodePayload serializes a decoded event's payload map to its JSON text
// form for the event_data column.
func encodePayload(payload map[string]interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodePayload(raw string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
