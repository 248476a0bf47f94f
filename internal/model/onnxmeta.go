package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX protobuf field numbers (onnx.proto3).
const (
	modelProducerName  protowire.Number = 2
	modelGraph         protowire.Number = 7
	modelMetadataProps protowire.Number = 14

	graphOutput protowire.Number = 12

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensor      protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// ONNXInfo is the subset of an ONNX ModelProto needed to check an artifact
// against its configuration without running it.
type ONNXInfo struct {
	Producer string
	Metadata map[string]string
	Outputs  []ValueInfo
}

// ValueInfo is a graph output. Symbolic dimensions are reported as -1.
type ValueInfo struct {
	Name string
	Dims []int64
}

// ReadONNXInfo scans an .onnx file for producer, metadata props and graph
// outputs, skipping weights and nodes.
func ReadONNXInfo(path string) (*ONNXInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read onnx file: %w", err)
	}
	return ParseONNXInfo(data)
}

func ParseONNXInfo(data []byte) (*ONNXInfo, error) {
	info := &ONNXInfo{Metadata: make(map[string]string)}
	err := walk(data, func(num protowire.Number, val []byte, _ uint64) error {
		switch num {
		case modelProducerName:
			info.Producer = string(val)
		case modelGraph:
			outputs, err := parseGraphOutputs(val)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			info.Outputs = outputs
		case modelMetadataProps:
			var key, value string
			err := walk(val, func(n protowire.Number, v []byte, _ uint64) error {
				switch n {
				case entryKey:
					key = string(v)
				case entryValue:
					value = string(v)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("metadata_props: %w", err)
			}
			info.Metadata[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse onnx model: %w", err)
	}
	return info, nil
}

// OutputWidth returns the last dimension of the first output, or 0 when it
// is unknown.
func (i *ONNXInfo) OutputWidth() int {
	if len(i.Outputs) == 0 || len(i.Outputs[0].Dims) == 0 {
		return 0
	}
	last := i.Outputs[0].Dims[len(i.Outputs[0].Dims)-1]
	if last <= 0 {
		return 0
	}
	return int(last)
}

// ClassNames reads the optional "class_names" metadata property.
func (i *ONNXInfo) ClassNames() []string {
	return MetadataClassNames(i.Metadata)
}

// MetadataClassNames parses a "class_names" property stored either as a
// JSON array or as a comma separated list. It returns nil when absent.
func MetadataClassNames(md map[string]string) []string {
	raw, ok := md["class_names"]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err == nil {
		return names
	}
	for _, part := range strings.Split(raw, ",") {
		names = append(names, strings.TrimSpace(part))
	}
	return names
}

func parseGraphOutputs(graph []byte) ([]ValueInfo, error) {
	var outputs []ValueInfo
	err := walk(graph, func(num protowire.Number, val []byte, _ uint64) error {
		if num != graphOutput {
			return nil
		}
		vi, err := parseValueInfo(val)
		if err != nil {
			return err
		}
		outputs = append(outputs, vi)
		return nil
	})
	return outputs, err
}

func parseValueInfo(b []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := walk(b, func(num protowire.Number, val []byte, _ uint64) error {
		switch num {
		case valueInfoName:
			vi.Name = string(val)
		case valueInfoType:
			return walk(val, func(n protowire.Number, tensorType []byte, _ uint64) error {
				if n != typeTensor {
					return nil
				}
				return walk(tensorType, func(n protowire.Number, shape []byte, _ uint64) error {
					if n != tensorTypeShape {
						return nil
					}
					return walk(shape, func(n protowire.Number, dim []byte, _ uint64) error {
						if n != shapeDim {
							return nil
						}
						d := int64(-1)
						err := walk(dim, func(n protowire.Number, _ []byte, v uint64) error {
							if n == dimValue {
								d = int64(v)
							}
							return nil
						})
						vi.Dims = append(vi.Dims, d)
						return err
					})
				})
			})
		}
		return nil
	})
	return vi, err
}

// walk visits every field of a serialized message. Length-delimited values
// arrive in val, varints in v; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, val []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var val []byte
		var v uint64
		switch typ {
		case protowire.BytesType:
			val, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType && typ != protowire.VarintType {
			continue
		}
		if err := fn(num, val, v); err != nil {
			return err
		}
	}
	return nil
}
