package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// onnx.proto field numbers for the messages written below. Only the
// subset needed for a weight archive is encoded: the exported graph
// carries every parameter as a named initializer plus a matching
// value-info entry, and run metadata travels in metadata_props.
const (
	modelIrVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelVersion         = 5
	modelGraph           = 7
	modelOpsetImport     = 8
	modelMetadataProps   = 14

	graphName        = 2
	graphInitializer = 5
	graphInput       = 11

	tensorDims     = 1
	tensorDataType = 2
	tensorName     = 8
	tensorRawData  = 9

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType     = 1
	tensorTypeElemType = 1
	tensorTypeShape    = 2

	shapeDim     = 1
	dimValue     = 1
	opsetDomain  = 1
	opsetVersion = 2
	entryKey     = 1
	entryValue   = 2
)

// onnx.proto TensorProto.DataType values.
const (
	onnxFloat   = 1
	onnxFloat16 = 10
)

const onnxOpset = 13

// ONNXExporter converts checkpoints to ONNX files
type ONNXExporter struct {
	halfPrecision bool
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// SetHalfPrecision switches weight payloads to float16 raw data
func (oe *ONNXExporter) SetHalfPrecision(on bool) {
	oe.halfPrecision = on
}

// Export converts a checkpoint to ONNX format and writes it to path
func (oe *ONNXExporter) Export(checkpoint *Checkpoint, path string) error {
	if len(checkpoint.Weights) == 0 {
		return fmt.Errorf("checkpoint has no weights to export")
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	var model []byte
	model = protowire.AppendTag(model, modelIrVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = appendStringField(model, modelProducerName, "go-visage")
	model = appendStringField(model, modelProducerVersion, FormatVersion)
	model = protowire.AppendTag(model, modelVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)
	model = appendBytesField(model, modelGraph, graph)

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)
	model = appendBytesField(model, modelOpsetImport, opset)

	for _, prop := range metadataProps(checkpoint) {
		var entry []byte
		entry = appendStringField(entry, entryKey, prop[0])
		entry = appendStringField(entry, entryValue, prop[1])
		model = appendBytesField(model, modelMetadataProps, entry)
	}

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	name := checkpoint.Metadata.Model
	if name == "" {
		name = "go-visage-model"
	}

	var graph []byte
	graph = appendStringField(graph, graphName, name)

	elemType := onnxFloat
	if oe.halfPrecision {
		elemType = onnxFloat16
	}

	for _, weight := range checkpoint.Weights {
		if len(weight.Data) == 0 {
			return nil, fmt.Errorf("weight %s has no data", weight.Name)
		}
		init, err := oe.buildTensor(weight)
		if err != nil {
			return nil, err
		}
		graph = appendBytesField(graph, graphInitializer, init)
		graph = appendBytesField(graph, graphInput, buildValueInfo(weight.Name, elemType, weight.Shape))
	}
	return graph, nil
}

func (oe *ONNXExporter) buildTensor(weight WeightTensor) ([]byte, error) {
	elems := 1
	for _, dim := range weight.Shape {
		if dim <= 0 {
			return nil, fmt.Errorf("weight %s has invalid dimension %d", weight.Name, dim)
		}
		elems *= dim
	}
	if elems != len(weight.Data) {
		return nil, fmt.Errorf("weight %s shape %v does not match %d data values", weight.Name, weight.Shape, len(weight.Data))
	}

	var t []byte
	for _, dim := range weight.Shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(dim))
	}

	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	var raw []byte
	if oe.halfPrecision {
		t = protowire.AppendVarint(t, onnxFloat16)
		raw = make([]byte, 2*len(weight.Data))
		for i, v := range weight.Data {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	} else {
		t = protowire.AppendVarint(t, onnxFloat)
		raw = make([]byte, 4*len(weight.Data))
		for i, v := range weight.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	}

	t = appendStringField(t, tensorName, weight.Name)
	t = appendBytesField(t, tensorRawData, raw)
	return t, nil
}

func buildValueInfo(name string, elemType int, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		var dim []byte
		dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
		dim = protowire.AppendVarint(dim, uint64(d))
		dims = appendBytesField(dims, shapeDim, dim)
	}

	var tt []byte
	tt = protowire.AppendTag(tt, tensorTypeElemType, protowire.VarintType)
	tt = protowire.AppendVarint(tt, uint64(elemType))
	tt = appendBytesField(tt, tensorTypeShape, dims)

	var typ []byte
	typ = appendBytesField(typ, typeTensorType, tt)

	var info []byte
	info = appendStringField(info, valueInfoName, name)
	info = appendBytesField(info, valueInfoType, typ)
	return info
}

// metadataProps flattens checkpoint metadata and training state into
// key/value pairs so the importer can rebuild them.
func metadataProps(checkpoint *Checkpoint) [][2]string {
	props := [][2]string{}
	if checkpoint.Metadata.Model != "" {
		props = append(props, [2]string{"model", checkpoint.Metadata.Model})
	}
	if checkpoint.Metadata.RunID != "" {
		props = append(props, [2]string{"run_id", checkpoint.Metadata.RunID})
	}
	state := checkpoint.TrainingState
	props = append(props,
		[2]string{"epoch", strconv.Itoa(state.Epoch)},
		[2]string{"learning_rate", strconv.FormatFloat(state.LearningRate, 'g', -1, 64)},
		[2]string{"best_accuracy", strconv.FormatFloat(state.BestAccuracy, 'g', -1, 64)},
		[2]string{"best_loss", strconv.FormatFloat(state.BestLoss, 'g', -1, 64)},
		[2]string{"counter", strconv.Itoa(state.Counter)},
	)
	return props
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// ONNXImporter reads weight-archive ONNX files back into checkpoints
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Import parses an ONNX file written by Export
func (oi *ONNXImporter) Import(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}

	checkpoint := &Checkpoint{
		Metadata: Metadata{
			FormatVersion: FormatVersion,
			Framework:     "go-visage",
		},
	}

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed ONNX model: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == modelGraph && typ == protowire.BytesType:
			graph, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed graph: %v", protowire.ParseError(n))
			}
			b = b[n:]
			if err := oi.parseGraph(graph, checkpoint); err != nil {
				return nil, err
			}
		case num == modelMetadataProps && typ == protowire.BytesType:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed metadata: %v", protowire.ParseError(n))
			}
			b = b[n:]
			key, value, err := parseMetadataEntry(entry)
			if err != nil {
				return nil, err
			}
			applyMetadataProp(checkpoint, key, value)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed ONNX field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if len(checkpoint.Weights) == 0 {
		return nil, fmt.Errorf("ONNX file contains no weight initializers")
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) parseGraph(b []byte, checkpoint *Checkpoint) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("malformed graph field: %v", protowire.ParseError(n))
		}
		b = b[n:]

		if num == graphInitializer && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("malformed initializer: %v", protowire.ParseError(n))
			}
			b = b[n:]
			weight, err := parseTensor(raw)
			if err != nil {
				return err
			}
			checkpoint.Weights = append(checkpoint.Weights, weight)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("malformed graph field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func parseTensor(b []byte) (WeightTensor, error) {
	var weight WeightTensor
	dataType := 0
	var raw []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return weight, fmt.Errorf("malformed tensor field: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == tensorDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor dim: %v", protowire.ParseError(n))
			}
			b = b[n:]
			weight.Shape = append(weight.Shape, int(v))
		case num == tensorDims && typ == protowire.BytesType:
			// Packed encoding of the dims field.
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor dims: %v", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return weight, fmt.Errorf("malformed packed dim: %v", protowire.ParseError(n))
				}
				packed = packed[n:]
				weight.Shape = append(weight.Shape, int(v))
			}
		case num == tensorDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor data type: %v", protowire.ParseError(n))
			}
			b = b[n:]
			dataType = int(v)
		case num == tensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor name: %v", protowire.ParseError(n))
			}
			b = b[n:]
			weight.Name = string(v)
		case num == tensorRawData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor raw data: %v", protowire.ParseError(n))
			}
			b = b[n:]
			raw = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return weight, fmt.Errorf("malformed tensor field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch dataType {
	case onnxFloat:
		if len(raw)%4 != 0 {
			return weight, fmt.Errorf("tensor %s raw data length %d is not a multiple of 4", weight.Name, len(raw))
		}
		weight.Data = make([]float32, len(raw)/4)
		for i := range weight.Data {
			weight.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case onnxFloat16:
		if len(raw)%2 != 0 {
			return weight, fmt.Errorf("tensor %s raw data length %d is not a multiple of 2", weight.Name, len(raw))
		}
		weight.Data = make([]float32, len(raw)/2)
		for i := range weight.Data {
			weight.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	default:
		return weight, fmt.Errorf("tensor %s has unsupported data type %d", weight.Name, dataType)
	}
	return weight, nil
}

func parseMetadataEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("malformed metadata entry: %v", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.BytesType && (num == entryKey || num == entryValue) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", "", fmt.Errorf("malformed metadata entry: %v", protowire.ParseError(n))
			}
			b = b[n:]
			if num == entryKey {
				key = string(v)
			} else {
				value = string(v)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", "", fmt.Errorf("malformed metadata entry field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return key, value, nil
}

func applyMetadataProp(checkpoint *Checkpoint, key, value string) {
	switch key {
	case "model":
		checkpoint.Metadata.Model = value
	case "run_id":
		checkpoint.Metadata.RunID = value
	case "epoch":
		if v, err := strconv.Atoi(value); err == nil {
			checkpoint.TrainingState.Epoch = v
		}
	case "learning_rate":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			checkpoint.TrainingState.LearningRate = v
		}
	case "best_accuracy":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			checkpoint.TrainingState.BestAccuracy = v
		}
	case "best_loss":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			checkpoint.TrainingState.BestLoss = v
		}
	case "counter":
		if v, err := strconv.Atoi(value); err == nil {
			checkpoint.TrainingState.Counter = v
		}
	}
}
