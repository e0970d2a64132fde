package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-infini/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.mapped = true
	logger.Log.Debug("GGUF loaded", "path", path, "version", file.Header.Version, "tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// Parse reads a GGUF image already in memory. Tensor data aliases data.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", k, err)
		}
		offset += n
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if err := need(data, offset, uint64(dims)*8+12); err != nil {
			return nil, err
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := file.Uint("general.alignment"); ok && a > 0 {
		alignment = a
	}
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		abs := offset + t.Offset
		if abs > uint64(len(data)) || (t.SizeBytes() > 0 && abs+t.SizeBytes() > uint64(len(data))) {
			return nil, fmt.Errorf("tensor %s offset out of bounds", t.Name)
		}
		t.Data = data[abs:]
	}
	return file, nil
}

func need(data []byte, offset, n uint64) error {
	if offset+n > uint64(len(data)) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if err := need(data, offset, 8); err != nil {
		return "", 0, err
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if err := need(data, offset+8, length); err != nil {
		return "", 0, err
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

var scalarSize = map[GGUFMetadataValueType]uint64{
	GGUFMetadataValueTypeUint8:   1,
	GGUFMetadataValueTypeInt8:    1,
	GGUFMetadataValueTypeBool:    1,
	GGUFMetadataValueTypeUint16:  2,
	GGUFMetadataValueTypeInt16:   2,
	GGUFMetadataValueTypeUint32:  4,
	GGUFMetadataValueTypeInt32:   4,
	GGUFMetadataValueTypeFloat32: 4,
	GGUFMetadataValueTypeUint64:  8,
	GGUFMetadataValueTypeInt64:   8,
	GGUFMetadataValueTypeFloat64: 8,
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	if size, ok := scalarSize[typ]; ok {
		if err := need(data, offset, size); err != nil {
			return nil, 0, err
		}
	}
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if err := need(data, offset, 12); err != nil {
			return nil, 0, err
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		cur := offset + 12

		arr := make([]interface{}, 0, min(arrLen, 1<<16))
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// Close unmaps a file opened with LoadFile.
func (f *GGUFFile) Close() error {
	if !f.mapped || f.Data == nil {
		return nil
	}
	err := syscall.Munmap(f.Data)
	f.Data = nil
	return err
}

func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Uint reads an integer metadata value of any width.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// Strings reads a string-array metadata value such as tokenizer.ggml.tokens.
func (f *GGUFFile) Strings(key string) ([]string, error) {
	raw, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("missing metadata %s", key)
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata %s is %T, not an array", key, raw)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("metadata %s[%d] is %T, not a string", key, i, v)
		}
		out[i] = s
	}
	return out, nil
}

// Float32s decodes an F32 or F16 tensor.
func (t *TensorInfo) Float32s() ([]float32, error) {
	n := t.NumElements()
	size := t.SizeBytes()
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: %d bytes, need %d", t.Name, len(t.Data), size)
	}
	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported type %v", t.Name, t.Type)
	}
	return out, nil
}
