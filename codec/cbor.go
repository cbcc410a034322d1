package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes values with fxamacker/cbor. Construct it with NewCBOR; the
// zero value has no modes and panics.
//
// Store entities carry `cbor:"N,keyasint"` tags, so frames stay small and
// field renames do not break entries written by older processes.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

// decOptions bounds what a frame from the shared store may make us allocate
// and rejects maps with repeated keys.
var decOptions = cbor.DecOptions{
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	IndefLength:      cbor.IndefLengthForbidden,
	MaxNestedLevels:  16,
	MaxArrayElements: 1 << 16,
	MaxMapPairs:      1 << 12,
}

// NewCBOR builds a codec. deterministic selects RFC 8949 core deterministic
// encoding, for callers that hash or compare frames; otherwise the preferred
// unsorted encoding is used. Times are encoded as RFC 3339 with nanoseconds.
func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano

	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := decOptions.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR is NewCBOR for package-level variables; it panics on error.
func MustCBOR[V any](deterministic bool) CBOR[V] {
	c, err := NewCBOR[V](deterministic)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
