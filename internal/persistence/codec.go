package persistence

import "encoding/json"

// Field maps are stored as JSON. Values arrive as JSON from browser clients
// and are persisted verbatim; JSON keeps the stored form readable and
// portable across backends.

func encodeFields(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func decodeFields(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
