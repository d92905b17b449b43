package persistence

import "encoding/json"

// Opaque blobs (step outputs, resource metadata, tenant contact lists) are
// stored as JSON so operator tooling can query them directly, at the cost of
// numbers round-tripping as float64.

// EncodeJSON serializes v, mapping nil to an empty blob.
func EncodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeJSON deserializes data into a value of type T. An empty blob decodes
// to the zero value.
func DecodeJSON[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
