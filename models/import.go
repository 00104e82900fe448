package models

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"github.com/x448/float16"
)

// TorchTensor is one named tensor imported from a PyTorch checkpoint,
// converted to float32.
type TorchTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// LoadTorchWeights reads a PyTorch checkpoint into named float32 tensors in
// their saved order. Pickle files (.pth, .pt) and .safetensors files are
// supported; half and bfloat16 payloads are widened to float32.
func LoadTorchWeights(path string) ([]TorchTensor, error) {
	if filepath.Ext(path) == ".safetensors" {
		return loadSafetensors(path)
	}
	return loadPickle(path)
}

func loadPickle(path string) ([]TorchTensor, error) {
	checkpoint, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	var weights []TorchTensor
	if err := walkTensorDict("", checkpoint, &weights); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("load %s: no tensors found", path)
	}
	return weights, nil
}

// walkTensorDict collects tensors from nested pickle dictionaries, joining
// names with dots the way torch state dict keys nest.
func walkTensorDict(prefix string, obj interface{}, out *[]TorchTensor) error {
	appendEntry := func(key, value interface{}) error {
		name, ok := key.(string)
		if !ok {
			return nil
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		switch v := value.(type) {
		case *pytorch.Tensor:
			t, err := convertTensor(name, v)
			if err != nil {
				return err
			}
			*out = append(*out, t)
		case *types.Dict, *types.OrderedDict:
			return walkTensorDict(name, v, out)
		}
		// Scalars like saved epoch counters are not tensors.
		return nil
	}

	switch d := obj.(type) {
	case *types.Dict:
		for _, entry := range *d {
			if err := appendEntry(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := appendEntry(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("checkpoint root is %T, not a tensor dictionary", obj)
	}
	return nil
}

// convertTensor widens one storage-backed tensor to float32.
func convertTensor(name string, t *pytorch.Tensor) (TorchTensor, error) {
	size := 1
	for _, d := range t.Size {
		size *= d
	}

	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		if t.StorageOffset+size > len(s.Data) {
			return TorchTensor{}, fmt.Errorf("tensor %s exceeds its storage", name)
		}
		data = append([]float32(nil), s.Data[t.StorageOffset:t.StorageOffset+size]...)
	case *pytorch.HalfStorage:
		if t.StorageOffset+size > len(s.Data) {
			return TorchTensor{}, fmt.Errorf("tensor %s exceeds its storage", name)
		}
		data = append([]float32(nil), s.Data[t.StorageOffset:t.StorageOffset+size]...)
	case *pytorch.DoubleStorage:
		if t.StorageOffset+size > len(s.Data) {
			return TorchTensor{}, fmt.Errorf("tensor %s exceeds its storage", name)
		}
		data = make([]float32, size)
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+size] {
			data[i] = float32(v)
		}
	case *pytorch.IntStorage:
		if t.StorageOffset+size > len(s.Data) {
			return TorchTensor{}, fmt.Errorf("tensor %s exceeds its storage", name)
		}
		data = make([]float32, size)
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+size] {
			data[i] = float32(v)
		}
	case *pytorch.LongStorage:
		if t.StorageOffset+size > len(s.Data) {
			return TorchTensor{}, fmt.Errorf("tensor %s exceeds its storage", name)
		}
		data = make([]float32, size)
		for i, v := range s.Data[t.StorageOffset : t.StorageOffset+size] {
			data[i] = float32(v)
		}
	default:
		return TorchTensor{}, fmt.Errorf("tensor %s has unsupported storage type %T", name, t.Source)
	}

	return TorchTensor{
		Name:  name,
		Shape: append([]int(nil), t.Size...),
		Data:  data,
	}, nil
}

// safetensorEntry is one tensor record of a safetensors JSON header.
type safetensorEntry struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets []int  `json:"data_offsets"`
}

func loadSafetensors(path string) ([]TorchTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("load %s: read header length: %w", path, err)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("load %s: read header: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("load %s: parse header: %w", path, err)
	}

	entries := make(map[string]safetensorEntry, len(raw))
	names := make([]string, 0, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var entry safetensorEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("load %s: tensor %s: %w", path, name, err)
		}
		if len(entry.Offsets) != 2 || entry.Offsets[1] < entry.Offsets[0] {
			return nil, fmt.Errorf("load %s: tensor %s has invalid offsets %v", path, name, entry.Offsets)
		}
		entries[name] = entry
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("load %s: no tensors found", path)
	}

	// Buffer order is the order tensors were saved in.
	sort.Slice(names, func(i, j int) bool {
		return entries[names[i]].Offsets[0] < entries[names[j]].Offsets[0]
	})

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: read tensor data: %w", path, err)
	}

	weights := make([]TorchTensor, 0, len(names))
	for _, name := range names {
		entry := entries[name]
		if entry.Offsets[1] > len(buf) {
			return nil, fmt.Errorf("load %s: tensor %s exceeds the data buffer", path, name)
		}
		data, err := decodeSafetensorData(entry.DType, buf[entry.Offsets[0]:entry.Offsets[1]])
		if err != nil {
			return nil, fmt.Errorf("load %s: tensor %s: %w", path, name, err)
		}
		weights = append(weights, TorchTensor{
			Name:  name,
			Shape: append([]int(nil), entry.Shape...),
			Data:  data,
		})
	}
	return weights, nil
}

func decodeSafetensorData(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		data := make([]float32, len(raw)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return data, nil
	case "F16":
		data := make([]float32, len(raw)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return data, nil
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	case "F64":
		data := make([]float32, len(raw)/8)
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// TransposeLinear converts a torch linear weight stored [out, in] into the
// [in, out] layout Linear consumes.
func TransposeLinear(t TorchTensor) (TorchTensor, error) {
	if len(t.Shape) != 2 {
		return TorchTensor{}, fmt.Errorf("tensor %s is not 2D: shape %v", t.Name, t.Shape)
	}

	backing := append([]float32(nil), t.Data...)
	n := tensor.New(tensor.WithShape(t.Shape...), tensor.WithBacking(backing))
	if err := n.T(); err != nil {
		return TorchTensor{}, fmt.Errorf("transpose %s: %w", t.Name, err)
	}
	if err := n.Transpose(); err != nil {
		return TorchTensor{}, fmt.Errorf("transpose %s: %w", t.Name, err)
	}
	rows, err := native.SelectF32(n, 1)
	if err != nil {
		return TorchTensor{}, fmt.Errorf("transpose %s: %w", t.Name, err)
	}

	data := make([]float32, 0, len(t.Data))
	for _, row := range rows {
		data = append(data, row...)
	}
	return TorchTensor{
		Name:  t.Name,
		Shape: []int{t.Shape[1], t.Shape[0]},
		Data:  data,
	}, nil
}

// Entries a torch state dict carries that are not trainable parameters.
var nonParameterSuffixes = []string{
	".running_mean",
	".running_var",
	".num_batches_tracked",
}

func isParameterTensor(name string) bool {
	for _, suffix := range nonParameterSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

// ApplyPretrained copies imported tensors into the model's parameters in
// order. Torch linear weights are stored [out, in] and are transposed on
// the way in. Batch-norm running statistics in the import are skipped and
// rebuilt during fine-tuning.
func ApplyPretrained(model Model, weights []TorchTensor) error {
	imported := make([]TorchTensor, 0, len(weights))
	for _, w := range weights {
		if isParameterTensor(w.Name) {
			imported = append(imported, w)
		}
	}

	params := model.Parameters()
	if len(params) != len(imported) {
		return fmt.Errorf("%s has %d parameters, import has %d tensors",
			model.Name(), len(params), len(imported))
	}

	for i, param := range params {
		w := imported[i]
		if !sameShape(param.Shape, w.Shape) {
			if len(param.Shape) == 2 && len(w.Shape) == 2 &&
				param.Shape[0] == w.Shape[1] && param.Shape[1] == w.Shape[0] {
				var err error
				if w, err = TransposeLinear(w); err != nil {
					return err
				}
			} else {
				return fmt.Errorf("tensor %s: shape %v does not fit parameter %d of shape %v",
					w.Name, w.Shape, i, param.Shape)
			}
		}

		dst, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		if len(dst) != len(w.Data) {
			return fmt.Errorf("tensor %s: %d values do not fill parameter %d of %d values",
				w.Name, len(w.Data), i, len(dst))
		}
		copy(dst, w.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
