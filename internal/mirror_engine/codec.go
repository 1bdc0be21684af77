package mirror_engine

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every encoded request and response state starts with a two byte header,
// the operation kind followed by the encoding version. The rest is a flat
// sequence of protobuf-wire fields.
const (
	requestVersion       byte = 1
	responseStateVersion byte = 1
	headerLen                 = 2
)

func appendHeader(b []byte, kind OpKind, version byte) []byte {
	return append(b, byte(kind), version)
}

// readHeader validates the header against the highest version this build
// understands.
func readHeader(b []byte, maxVersion byte) (OpKind, []byte, error) {
	if len(b) < headerLen {
		return 0, nil, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(b))
	}
	kind, version := OpKind(b[0]), b[1]
	if !kind.valid() {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownOpKind, b[0])
	}
	if version == 0 || version > maxVersion {
		return 0, nil, fmt.Errorf("%w: %s version %d", ErrUnsupportedVersion, kind, version)
	}
	return kind, b[headerLen:], nil
}

// fieldEncoder appends protobuf-wire fields. Zero values are omitted unless
// written with one of the present* methods.
type fieldEncoder struct {
	b []byte
}

func (e *fieldEncoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *fieldEncoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *fieldEncoder) uvarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.presentUvarint(num, v)
}

func (e *fieldEncoder) presentUvarint(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *fieldEncoder) varint(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.presentVarint(num, v)
}

func (e *fieldEncoder) presentVarint(num protowire.Number, v int64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(v))
}

func (e *fieldEncoder) flag(num protowire.Number, v bool) {
	if v {
		e.presentUvarint(num, 1)
	}
}

type fieldValue struct {
	typ protowire.Type
	u   uint64
	raw []byte
}

// fieldSet is a decoded field list. Getters record the first type mismatch
// in err instead of returning it so decoders stay linear.
type fieldSet struct {
	fields map[protowire.Number]fieldValue
	err    error
}

func parseFields(b []byte) (*fieldSet, error) {
	f := &fieldSet{fields: make(map[protowire.Number]fieldValue)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncated, num, protowire.ParseError(n))
			}
			f.fields[num] = fieldValue{typ: typ, u: v}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncated, num, protowire.ParseError(n))
			}
			f.fields[num] = fieldValue{typ: typ, raw: v}
			b = b[n:]
		default:
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedField, num, typ)
		}
	}
	return f, nil
}

func (f *fieldSet) get(num protowire.Number, typ protowire.Type) (fieldValue, bool) {
	v, ok := f.fields[num]
	if !ok {
		return fieldValue{}, false
	}
	if v.typ != typ {
		if f.err == nil {
			f.err = fmt.Errorf("%w: field %d has wire type %d, want %d", ErrMalformedField, num, v.typ, typ)
		}
		return fieldValue{}, false
	}
	return v, true
}

func (f *fieldSet) has(num protowire.Number) bool {
	_, ok := f.fields[num]
	return ok
}

func (f *fieldSet) str(num protowire.Number) string {
	v, _ := f.get(num, protowire.BytesType)
	return string(v.raw)
}

func (f *fieldSet) bytes(num protowire.Number) []byte {
	v, ok := f.get(num, protowire.BytesType)
	if !ok {
		return nil
	}
	return append([]byte(nil), v.raw...)
}

func (f *fieldSet) uvarint(num protowire.Number) uint64 {
	v, _ := f.get(num, protowire.VarintType)
	return v.u
}

func (f *fieldSet) uint32(num protowire.Number) uint32 {
	v := f.uvarint(num)
	if v > 1<<32-1 && f.err == nil {
		f.err = fmt.Errorf("%w: field %d overflows uint32", ErrMalformedField, num)
	}
	return uint32(v)
}

func (f *fieldSet) varint(num protowire.Number) int64 {
	v, _ := f.get(num, protowire.VarintType)
	return protowire.DecodeZigZag(v.u)
}

func (f *fieldSet) flag(num protowire.Number) bool {
	return f.uvarint(num) != 0
}

func (f *fieldSet) optUint32(num protowire.Number) *uint32 {
	if !f.has(num) {
		return nil
	}
	v := f.uint32(num)
	return &v
}

func (f *fieldSet) optInt64(num protowire.Number) *int64 {
	if !f.has(num) {
		return nil
	}
	v := f.varint(num)
	return &v
}
