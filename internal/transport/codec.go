package transport

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of the ring protocol: messages travel
// as application/grpc+json.
const codecName = "json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec encodes ring messages with json-iterator.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
