// Package grpctransport provides the JSON wire codec for the pipeline service.
package grpctransport

import (
	"encoding/json"
)

// CodecName is the content-subtype negotiated by clients.
const CodecName = "json"

// JSONCodec marshals gRPC messages as JSON documents.
type JSONCodec struct{}

// Marshal encodes v.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name returns the codec name.
func (JSONCodec) Name() string {
	return CodecName
}
