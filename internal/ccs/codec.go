package ccs

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Codec turns attribute maps into transport payloads and back.
type Codec interface {
	Encode(attrs map[string]any) ([]byte, error)
	Decode(payload []byte) (map[string]any, error)
}

// wireJSON sorts keys so identical envelopes encode identically and keeps
// numbers as json.Number so time_to_live survives decoding exactly.
var wireJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// JSONCodec is the CCS wire codec.
type JSONCodec struct{}

func (JSONCodec) Encode(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return nil, fmt.Errorf("ccs: encode: nil attributes")
	}
	out, err := wireJSON.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("ccs: encode: %w", err)
	}
	return out, nil
}

func (JSONCodec) Decode(payload []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "payload is not a JSON object"}
	}
	var attrs map[string]any
	if err := wireJSON.Unmarshal(trimmed, &attrs); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	return attrs, nil
}
