package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags. Producers that batch keypoints send "joints" as a tag-40 matrix of
// shape [n, 2|3] next to a "joint_names" list.
const (
	tagMultiDimArray = 40
	tagFloat32LE     = 85
	tagFloat64LE     = 86
)

func decodeJointMatrix(value any) ([][]float64, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}
	if cols != 2 && cols != 3 {
		return nil, fmt.Errorf("joint matrix must have 2 or 3 columns, got %d", cols)
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, err
	}
	return reshape(flat, rows, cols)
}

func decodeTypedArray(value any) ([]float64, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagFloat32LE:
		return bytesToFloat32(data), nil
	case tagFloat64LE:
		return bytesToFloat64(data), nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func bytesToFloat32(data []byte) []float64 {
	out := make([]float64, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

func bytesToFloat64(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		bits := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		out[i] = math.Float64frombits(bits)
	}
	return out
}

func reshape(flat []float64, rows, cols int) ([][]float64, error) {
	if rows < 0 || rows*cols != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		row := make([]float64, cols)
		copy(row, flat[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

// encodeFloat64Array is the inverse of decodeTypedArray for tag 86.
func encodeFloat64Array(values []float64) cbor.Tag {
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return cbor.Tag{Number: tagFloat64LE, Content: data}
}
