package worker

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Brownie44l1/medianalytica-api/internal/tensor"
)

// onnx.TensorProto field numbers.
const (
	fieldDims      protowire.Number = 1
	fieldDataType  protowire.Number = 2
	fieldFloatData protowire.Number = 4
	fieldName      protowire.Number = 8
	fieldRawData   protowire.Number = 9
)

// onnx.TensorProto.DataType FLOAT
const dataTypeFloat = 1

// EncodeTensor serializes t as an ONNX TensorProto with packed float_data.
func EncodeTensor(name string, t *tensor.Tensor) []byte {
	var b []byte

	var dims []byte
	for _, d := range t.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, fieldDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	b = protowire.AppendTag(b, fieldDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	if name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	return b
}

// DecodeTensor parses a FLOAT TensorProto. Values may be in float_data,
// packed or not, or little-endian raw_data.
func DecodeTensor(b []byte) (*tensor.Tensor, error) {
	var (
		shape    []int
		data     []float32
		raw      []byte
		dataType uint64 = dataTypeFloat
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("tensor proto: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto dims: %w", protowire.ParseError(n))
			}
			shape = append(shape, int(v))
			b = b[n:]
		case num == fieldDims && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto dims: %w", protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, fmt.Errorf("tensor proto dims: %w", protowire.ParseError(m))
				}
				shape = append(shape, int(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto data_type: %w", protowire.ParseError(n))
			}
			dataType = v
			b = b[n:]
		case num == fieldFloatData && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto float_data: %w", protowire.ParseError(n))
			}
			data = append(data, math.Float32frombits(v))
			b = b[n:]
		case num == fieldFloatData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto float_data: %w", protowire.ParseError(n))
			}
			if len(packed)%4 != 0 {
				return nil, fmt.Errorf("tensor proto float_data: %d bytes is not a whole number of floats", len(packed))
			}
			for i := 0; i < len(packed); i += 4 {
				data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(packed[i:])))
			}
			b = b[n:]
		case num == fieldRawData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto raw_data: %w", protowire.ParseError(n))
			}
			raw = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("tensor proto: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if dataType != dataTypeFloat {
		return nil, fmt.Errorf("tensor proto: unsupported data_type %d", dataType)
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("tensor proto raw_data: %d bytes is not a whole number of floats", len(raw))
		}
		data = make([]float32, len(raw)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return tensor.New(shape, data)
}
