package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Protobuf marshals messages deterministically. Decode unmarshals into a
// fresh message from the constructor given to NewProtobuf, so dynamic
// messages work as well as generated ones.
type Protobuf[M proto.Message] struct {
	newMsg func() M
}

func NewProtobuf[M proto.Message](ctor func() M) Protobuf[M] {
	return Protobuf[M]{newMsg: ctor}
}

func (c Protobuf[M]) Encode(m M) ([]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: protobuf encode: %w", err)
	}
	return b, nil
}

func (c Protobuf[M]) Decode(b []byte) (M, error) {
	m := c.newMsg()
	if err := proto.Unmarshal(b, m); err != nil {
		var zero M
		return zero, fmt.Errorf("codec: protobuf decode: %w", err)
	}
	return m, nil
}

// ProtoMapped stores a plain Go value as message M.
type ProtoMapped[V any, M proto.Message] struct {
	Proto   Protobuf[M]
	ToMsg   func(V) M
	FromMsg func(M) (V, error)
}

func (c ProtoMapped[V, M]) Encode(v V) ([]byte, error) {
	return c.Proto.Encode(c.ToMsg(v))
}

func (c ProtoMapped[V, M]) Decode(b []byte) (V, error) {
	m, err := c.Proto.Decode(b)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.FromMsg(m)
}
