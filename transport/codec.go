package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content subtype of the flease wire format.
const CodecName = "flease-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets grpc carry plain structs without generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't encode message")
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "Couldn't decode message")
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
