package value

import (
	"math"

	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/pkg/errors"
)

// AppendKey appends the order-preserving encoding of |v| to |b|. For Values
// of the same scalar Kind, the byte-wise order of encodings matches Compare,
// making encodings suitable as index keys.
func AppendKey(b []byte, v Value) []byte {
	b = encoding.EncodeUvarintAscending(b, uint64(v.kind))

	switch v.kind {
	case KindNull:
	case KindBool, KindInt, KindTimestamp:
		b = encoding.EncodeVarintAscending(b, v.i)
	case KindDouble:
		b = encoding.EncodeUint64Ascending(b, orderedFloatBits(v.f))
	case KindString:
		b = encoding.EncodeStringAscending(b, v.s)
	case KindBinary, KindUUID:
		b = encoding.EncodeBytesAscending(b, []byte(v.s))
	case KindLink:
		b = encoding.EncodeStringAscending(b, v.s)
		b = encoding.EncodeVarintAscending(b, v.i)
	case KindRef:
		b = encoding.EncodeStringAscending(b, v.s)
		b = AppendKey(b, v.PK())
	case KindList, KindSet:
		b = encoding.EncodeUvarintAscending(b, uint64(len(v.elems)))
		for _, e := range v.elems {
			b = AppendKey(b, e)
		}
	case KindDictionary, KindEmbedded:
		b = encoding.EncodeStringAscending(b, v.s)
		b = encoding.EncodeUvarintAscending(b, uint64(len(v.dict)))
		for _, k := range v.Keys() {
			b = encoding.EncodeStringAscending(b, k)
			b = AppendKey(b, v.dict[k])
		}
	}
	return b
}

// Encode returns the encoding of |v|.
func Encode(v Value) []byte { return AppendKey(nil, v) }

// DecodeKey decodes a Value from the prefix of |b|, returning the remainder.
func DecodeKey(b []byte) ([]byte, Value, error) {
	var kind uint64
	var err error

	if b, kind, err = encoding.DecodeUvarintAscending(b); err != nil {
		return nil, Value{}, errors.WithMessage(err, "decoding kind")
	}
	var v = Value{kind: Kind(kind)}

	switch v.kind {
	case KindNull:
	case KindBool, KindInt, KindTimestamp:
		b, v.i, err = encoding.DecodeVarintAscending(b)
	case KindDouble:
		var bits uint64
		if b, bits, err = encoding.DecodeUint64Ascending(b); err == nil {
			v.f = floatFromOrderedBits(bits)
		}
	case KindString:
		b, v.s, err = encoding.DecodeStringAscending(b, nil)
	case KindBinary, KindUUID:
		var raw []byte
		if b, raw, err = encoding.DecodeBytesAscending(b, nil); err == nil {
			v.s = string(raw)
		}
	case KindLink:
		if b, v.s, err = encoding.DecodeStringAscending(b, nil); err == nil {
			b, v.i, err = encoding.DecodeVarintAscending(b)
		}
	case KindRef:
		var pk Value
		if b, v.s, err = encoding.DecodeStringAscending(b, nil); err == nil {
			if b, pk, err = DecodeKey(b); err == nil {
				v.pk = &pk
			}
		}
	case KindList, KindSet:
		var n uint64
		if b, n, err = encoding.DecodeUvarintAscending(b); err != nil {
			break
		}
		v.elems = make([]Value, n)
		for i := range v.elems {
			if b, v.elems[i], err = DecodeKey(b); err != nil {
				break
			}
		}
	case KindDictionary, KindEmbedded:
		var n uint64
		if b, v.s, err = encoding.DecodeStringAscending(b, nil); err != nil {
			break
		} else if b, n, err = encoding.DecodeUvarintAscending(b); err != nil {
			break
		}
		v.dict = make(map[string]Value, n)
		for i := uint64(0); i != n && err == nil; i++ {
			var k string
			var e Value
			if b, k, err = encoding.DecodeStringAscending(b, nil); err == nil {
				if b, e, err = DecodeKey(b); err == nil {
					v.dict[k] = e
				}
			}
		}
	default:
		return nil, Value{}, errors.Errorf("unknown value kind %d", kind)
	}
	if err != nil {
		return nil, Value{}, errors.WithMessagef(err, "decoding %s", v.kind)
	}
	return b, v, nil
}

// Decode a Value which must consume all of |b|.
func Decode(b []byte) (Value, error) {
	var rest, v, err = DecodeKey(b)
	if err != nil {
		return Value{}, err
	} else if len(rest) != 0 {
		return Value{}, errors.Errorf("%d trailing bytes after encoded value", len(rest))
	}
	return v, nil
}

// orderedFloatBits maps a float64 onto a uint64 whose unsigned ordering
// matches the float's numeric ordering.
func orderedFloatBits(f float64) uint64 {
	var bits = math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func floatFromOrderedBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits &^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}
