// Package buffer implements the DVM's typed attribute wire codec: a single
// tagged-union pack/unpack contract used by every RML message and by the
// attribute lists carried on Job, App, Proc, and Node records. The wire
// format is a flat sequence of (type byte, payload) entries; readers stop
// at end-of-buffer rather than at a count prefix, matching §9's
// round-trip property.
package buffer

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/cuemby/prte/pkg/types"
)

// Buffer is an append-only byte-oriented pack/unpack cursor.
type Buffer struct {
	w   *bytes.Buffer // non-nil while packing
	r   *bytes.Reader // non-nil while unpacking
	buf []byte
}

// NewPacker returns an empty Buffer ready for Pack* calls.
func NewPacker() *Buffer {
	return &Buffer{w: &bytes.Buffer{}}
}

// NewUnpacker wraps data for Unpack* calls.
func NewUnpacker(data []byte) *Buffer {
	return &Buffer{r: bytes.NewReader(data), buf: data}
}

// Bytes returns the packed payload. Only valid after packing.
func (b *Buffer) Bytes() []byte {
	return b.w.Bytes()
}

// Remaining reports whether there is more data to unpack.
func (b *Buffer) Remaining() bool {
	return b.r.Len() > 0
}

func (b *Buffer) writeType(t types.AttributeType) {
	b.w.WriteByte(byte(t))
}

func (b *Buffer) readType() (types.AttributeType, error) {
	t, err := b.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("buffer: read type: %w", err)
	}
	return types.AttributeType(t), nil
}

// PackBool appends a boolean value.
func (b *Buffer) PackBool(v bool) {
	b.writeType(types.AttrTypeBool)
	if v {
		b.w.WriteByte(1)
	} else {
		b.w.WriteByte(0)
	}
}

// UnpackBool reads a boolean value; the caller must have confirmed the
// type via PeekType or already know the schema.
func (b *Buffer) UnpackBool() (bool, error) {
	if _, err := b.readType(); err != nil {
		return false, err
	}
	v, err := b.r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("buffer: read bool: %w", err)
	}
	return v != 0, nil
}

// PackString appends a length-prefixed UTF-8 string.
func (b *Buffer) PackString(v string) {
	b.writeType(types.AttrTypeString)
	b.packRawBytes([]byte(v))
}

// UnpackString reads a length-prefixed string.
func (b *Buffer) UnpackString() (string, error) {
	if _, err := b.readType(); err != nil {
		return "", err
	}
	raw, err := b.unpackRawBytes()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PackInt64 appends a signed 64-bit integer.
func (b *Buffer) PackInt64(v int64) {
	b.writeType(types.AttrTypeInt64)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.w.Write(tmp[:])
}

// UnpackInt64 reads a signed 64-bit integer.
func (b *Buffer) UnpackInt64() (int64, error) {
	if _, err := b.readType(); err != nil {
		return 0, err
	}
	var tmp [8]byte
	if _, err := io.ReadFull(b.r, tmp[:]); err != nil {
		return 0, fmt.Errorf("buffer: read int64: %w", err)
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

// PackUint64 appends an unsigned 64-bit integer.
func (b *Buffer) PackUint64(v uint64) {
	b.writeType(types.AttrTypeUint64)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.w.Write(tmp[:])
}

// UnpackUint64 reads an unsigned 64-bit integer.
func (b *Buffer) UnpackUint64() (uint64, error) {
	if _, err := b.readType(); err != nil {
		return 0, err
	}
	var tmp [8]byte
	if _, err := io.ReadFull(b.r, tmp[:]); err != nil {
		return 0, fmt.Errorf("buffer: read uint64: %w", err)
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

// PackFloat64 appends a float64.
func (b *Buffer) PackFloat64(v float64) {
	b.writeType(types.AttrTypeFloat)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.w.Write(tmp[:])
}

// UnpackFloat64 reads a float64.
func (b *Buffer) UnpackFloat64() (float64, error) {
	if _, err := b.readType(); err != nil {
		return 0, err
	}
	var tmp [8]byte
	if _, err := io.ReadFull(b.r, tmp[:]); err != nil {
		return 0, fmt.Errorf("buffer: read float64: %w", err)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
}

// PackBytes appends an opaque byte-object attribute.
func (b *Buffer) PackBytes(v []byte) {
	b.writeType(types.AttrTypeByteObject)
	b.packRawBytes(v)
}

// UnpackBytes reads an opaque byte-object attribute.
func (b *Buffer) UnpackBytes() ([]byte, error) {
	if _, err := b.readType(); err != nil {
		return nil, err
	}
	return b.unpackRawBytes()
}

// PackEnvar appends an environment-variable triple.
func (b *Buffer) PackEnvar(e types.Envar) {
	b.writeType(types.AttrTypeEnvar)
	b.packRawBytes([]byte(e.Name))
	b.packRawBytes([]byte(e.Value))
	b.w.WriteByte(e.Separator)
}

// UnpackEnvar reads an environment-variable triple.
func (b *Buffer) UnpackEnvar() (types.Envar, error) {
	if _, err := b.readType(); err != nil {
		return types.Envar{}, err
	}
	name, err := b.unpackRawBytes()
	if err != nil {
		return types.Envar{}, err
	}
	val, err := b.unpackRawBytes()
	if err != nil {
		return types.Envar{}, err
	}
	sep, err := b.r.ReadByte()
	if err != nil {
		return types.Envar{}, fmt.Errorf("buffer: read envar separator: %w", err)
	}
	return types.Envar{Name: string(name), Value: string(val), Separator: sep}, nil
}

// PackProcID appends a (nspace, rank) pair.
func (b *Buffer) PackProcID(p types.ProcID) {
	b.writeType(types.AttrTypeProcID)
	b.packRawBytes([]byte(p.Nspace))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(p.Rank))
	b.w.Write(tmp[:])
}

// UnpackProcID reads a (nspace, rank) pair.
func (b *Buffer) UnpackProcID() (types.ProcID, error) {
	if _, err := b.readType(); err != nil {
		return types.ProcID{}, err
	}
	nspace, err := b.unpackRawBytes()
	if err != nil {
		return types.ProcID{}, err
	}
	var tmp [4]byte
	if _, err := io.ReadFull(b.r, tmp[:]); err != nil {
		return types.ProcID{}, fmt.Errorf("buffer: read proc rank: %w", err)
	}
	return types.ProcID{
		Nspace: types.Nspace(nspace),
		Rank:   types.Rank(binary.BigEndian.Uint32(tmp[:])),
	}, nil
}

// PeekType reports the type discriminator of the next entry without
// consuming it, or io.EOF if the buffer is exhausted.
func (b *Buffer) PeekType() (types.AttributeType, error) {
	t, err := b.r.ReadByte()
	if err != nil {
		return 0, io.EOF
	}
	_ = b.r.UnreadByte()
	return types.AttributeType(t), nil
}

func (b *Buffer) packRawBytes(v []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	b.w.Write(tmp[:])
	b.w.Write(v)
}

func (b *Buffer) unpackRawBytes() ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(b.r, tmp[:]); err != nil {
		return nil, fmt.Errorf("buffer: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(tmp[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(b.r, out); err != nil {
		return nil, fmt.Errorf("buffer: read payload: %w", err)
	}
	return out, nil
}

// PackAttribute packs a full Attribute (key, scope, typed value) as a
// single wire entry: key, scope byte, then the type-tagged value.
func (b *Buffer) PackAttribute(a *types.Attribute) {
	b.packRawBytes([]byte(a.Key))
	if a.Scope == types.AttrGlobal {
		b.w.WriteByte(1)
	} else {
		b.w.WriteByte(0)
	}
	switch a.Type {
	case types.AttrTypeBool:
		b.PackBool(a.BoolVal)
	case types.AttrTypeString:
		b.PackString(a.StringVal)
	case types.AttrTypeInt32, types.AttrTypeInt64, types.AttrTypePID:
		b.PackInt64(a.IntVal)
	case types.AttrTypeUint8, types.AttrTypeUint16, types.AttrTypeUint32, types.AttrTypeUint64, types.AttrTypeSize:
		b.PackUint64(a.UintVal)
	case types.AttrTypeFloat:
		b.PackFloat64(a.FloatVal)
	case types.AttrTypeByteObject:
		b.PackBytes(a.BytesVal)
	case types.AttrTypeEnvar:
		b.PackEnvar(a.EnvarVal)
	case types.AttrTypeProcID:
		b.PackProcID(a.ProcVal)
	case types.AttrTypeTimeval:
		b.writeType(types.AttrTypeTimeval)
		b.PackInt64(a.TimeVal.UnixNano())
	case types.AttrTypeByte:
		b.writeType(types.AttrTypeByte)
		b.w.WriteByte(a.ByteVal)
	default:
		// AttrTypePtr and unknown types are never serialized; callers must
		// not attempt to pack them across a wire boundary.
	}
}

// UnpackAttribute reads a full Attribute previously written by
// PackAttribute.
func (b *Buffer) UnpackAttribute() (*types.Attribute, error) {
	key, err := b.unpackRawBytes()
	if err != nil {
		return nil, err
	}
	scopeByte, err := b.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("buffer: read scope: %w", err)
	}
	scope := types.AttrLocal
	if scopeByte != 0 {
		scope = types.AttrGlobal
	}

	wireType, err := b.PeekType()
	if err != nil {
		return nil, err
	}

	a := &types.Attribute{Key: string(key), Scope: scope, Type: wireType}
	switch wireType {
	case types.AttrTypeBool:
		a.BoolVal, err = b.UnpackBool()
	case types.AttrTypeString:
		a.StringVal, err = b.UnpackString()
	case types.AttrTypeInt64:
		a.IntVal, err = b.UnpackInt64()
	case types.AttrTypeUint64:
		a.UintVal, err = b.UnpackUint64()
	case types.AttrTypeFloat:
		a.FloatVal, err = b.UnpackFloat64()
	case types.AttrTypeByteObject:
		a.BytesVal, err = b.UnpackBytes()
	case types.AttrTypeEnvar:
		a.EnvarVal, err = b.UnpackEnvar()
	case types.AttrTypeProcID:
		a.ProcVal, err = b.UnpackProcID()
	case types.AttrTypeTimeval:
		if _, err = b.readType(); err == nil {
			var nanos int64
			nanos, err = b.UnpackInt64()
			a.TimeVal = time.Unix(0, nanos)
		}
	case types.AttrTypeByte:
		if _, err = b.readType(); err == nil {
			a.ByteVal, err = b.r.ReadByte()
		}
	default:
		return nil, fmt.Errorf("buffer: unsupported wire type %d", wireType)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Compress gzips payload for the topology-blob compression described in
// §9. The returned bytes are self-describing (a standard gzip stream),
// matching the "compression flag precedes the byte-object" wire
// convention: callers set a one-byte flag ahead of this payload.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("buffer: compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("buffer: compress close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(payload []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("buffer: decompress: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("buffer: decompress read: %w", err)
	}
	return out, nil
}
