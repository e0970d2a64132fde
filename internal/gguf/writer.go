package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"
)

// KV is one metadata entry, written in slice order.
type KV struct {
	Key   string
	Value interface{}
}

// Tensor is one tensor to write. Data must already be encoded for Type.
type Tensor struct {
	Name string
	Dims []uint64
	Type GGMLType
	Data []byte
}

// Write encodes a version 3 GGUF image.
func Write(w io.Writer, kv []KV, tensors []Tensor) error {
	buf := binary.LittleEndian.AppendUint32(nil, GGUFMagic)
	buf = binary.LittleEndian.AppendUint32(buf, GGUFVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(tensors)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(kv)))

	var err error
	for _, e := range kv {
		buf = appendString(buf, e.Key)
		if buf, err = appendValue(buf, e.Value); err != nil {
			return fmt.Errorf("kv %s: %w", e.Key, err)
		}
	}

	offsets := make([]uint64, len(tensors))
	var dataLen uint64
	for i, t := range tensors {
		offsets[i] = dataLen
		dataLen += align(uint64(len(t.Data)))
	}
	for i, t := range tensors {
		buf = appendString(buf, t.Name)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Dims)))
		for _, d := range t.Dims {
			buf = binary.LittleEndian.AppendUint64(buf, d)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t.Type))
		buf = binary.LittleEndian.AppendUint64(buf, offsets[i])
	}

	buf = append(buf, make([]byte, align(uint64(len(buf)))-uint64(len(buf)))...)
	for _, t := range tensors {
		buf = append(buf, t.Data...)
		buf = append(buf, make([]byte, align(uint64(len(t.Data)))-uint64(len(t.Data)))...)
	}

	_, err = w.Write(buf)
	return err
}

func align(n uint64) uint64 {
	if pad := n % DefaultAlignment; pad != 0 {
		return n + DefaultAlignment - pad
	}
	return n
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case uint8:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeUint8))
		return append(buf, x), nil
	case uint32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeUint32))
		return binary.LittleEndian.AppendUint32(buf, x), nil
	case int32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeInt32))
		return binary.LittleEndian.AppendUint32(buf, uint32(x)), nil
	case uint64:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeUint64))
		return binary.LittleEndian.AppendUint64(buf, x), nil
	case int64:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeInt64))
		return binary.LittleEndian.AppendUint64(buf, uint64(x)), nil
	case float32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeFloat32))
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(x)), nil
	case float64:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeFloat64))
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case bool:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeBool))
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case string:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeString))
		return appendString(buf, x), nil
	case []string:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeArray))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeString))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(x)))
		for _, s := range x {
			buf = appendString(buf, s)
		}
		return buf, nil
	case []int32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeArray))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(GGUFMetadataValueTypeInt32))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(x)))
		for _, n := range x {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported metadata value %T", v)
	}
}

// EncodeF32 packs values as little-endian F32 tensor data.
func EncodeF32(vals []float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// EncodeF16 packs values as little-endian F16 tensor data, rounding to
// nearest even.
func EncodeF16(vals []float32) []byte {
	out := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(v).Bits())
	}
	return out
}
