package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the credit service. Clients dial
// with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)).
const CodecName = "json"

// jsonCodec carries the same JSON bodies the HTTP gateway and the event log
// use, so call payloads need no protobuf mirror.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
