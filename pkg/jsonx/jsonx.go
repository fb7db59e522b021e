// Package jsonx routes JSON encoding through goccy/go-json, which is
// measurably faster than encoding/json for the map-heavy payloads the
// engine serializes (checkpoints, sink envelopes, diff reports).
package jsonx

import (
	gojson "github.com/goccy/go-json"
)

// Marshal encodes v as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent encodes v as indented JSON.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}
