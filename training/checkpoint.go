package training

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/x448/float16"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// tensorHeader is one entry of the safetensors header.
type tensorHeader struct {
	Dtype   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// WriteSafetensors writes tensors in the safetensors layout: an 8-byte
// little-endian header length, a JSON header mapping names to dtype, shape
// and byte offsets, then the packed tensor data in name order. half selects
// 16-bit floats for the payload.
func WriteSafetensors(path string, tensors map[string]*tensor.Tensor, half bool) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	dtype, elem := "F32", 4
	if half {
		dtype, elem = "F16", 2
	}

	header := make(map[string]tensorHeader, len(tensors))
	offset := 0
	for _, name := range names {
		n := tensors[name].Numel() * elem
		header[name] = tensorHeader{
			Dtype:   dtype,
			Shape:   tensors[name].Shape(),
			Offsets: [2]int{offset, offset + n},
		}
		offset += n
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerJSON); err != nil {
		return err
	}
	for _, name := range names {
		data := tensors[name].Data()
		buf := make([]byte, len(data)*elem)
		if half {
			for i, v := range data {
				binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
			}
		} else {
			for i, v := range data {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
			}
		}
		if _, err := f.Write(buf); err != nil {
			return err
		}
	}
	return f.Close()
}

// ReadSafetensors loads a file written by WriteSafetensors. F16 payloads are
// widened back to float32.
func ReadSafetensors(path string) (map[string]*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("training: %s: truncated header", path)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if uint64(len(raw)) < 8+headerLen {
		return nil, fmt.Errorf("training: %s: header length %d exceeds file", path, headerLen)
	}
	var header map[string]tensorHeader
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("training: %s: %w", path, err)
	}
	payload := raw[8+headerLen:]

	out := make(map[string]*tensor.Tensor, len(header))
	for name, h := range header {
		if h.Offsets[1] > len(payload) || h.Offsets[0] > h.Offsets[1] {
			return nil, fmt.Errorf("training: %s: tensor %q offsets out of range", path, name)
		}
		b := payload[h.Offsets[0]:h.Offsets[1]]
		var data []float32
		switch h.Dtype {
		case "F32":
			data = make([]float32, len(b)/4)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
			}
		case "F16":
			data = make([]float32, len(b)/2)
			for i := range data {
				data[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
			}
		default:
			return nil, fmt.Errorf("training: %s: tensor %q has unsupported dtype %s", path, name, h.Dtype)
		}
		out[name] = tensor.New(data, h.Shape...)
	}
	return out, nil
}

// Meta is the checkpoint sidecar: everything needed to resume a run exactly,
// beyond the tensors themselves.
type Meta struct {
	RunID     string    `json:"run_id"`
	Step      uint64    `json:"step"`
	OptimStep uint64    `json:"optim_step"`
	Seed      uint64    `json:"seed"`
	SavedAt   time.Time `json:"saved_at"`
}

// Checkpoint bundles the model weights, optimizer moments, EMA shadow and
// run metadata.
type Checkpoint struct {
	Model  map[string]*tensor.Tensor
	OptimM map[string][]float32
	OptimV map[string][]float32
	EMA    map[string]*tensor.Tensor
	Meta   Meta
}

const (
	prefixModel  = "model."
	prefixEMA    = "ema."
	prefixOptimM = "optim.m."
	prefixOptimV = "optim.v."
)

// Save writes model and EMA weights to path, optimizer moments to a
// companion file, and the metadata sidecar next to both. half halves the
// weight file; moments always keep full precision so resume is exact.
func (c *Checkpoint) Save(path string, half bool) error {
	weights := make(map[string]*tensor.Tensor)
	for name, t := range c.Model {
		weights[prefixModel+name] = t
	}
	for name, t := range c.EMA {
		weights[prefixEMA+name] = t
	}
	if err := WriteSafetensors(path, weights, half); err != nil {
		return err
	}

	moments := make(map[string]*tensor.Tensor)
	for name, m := range c.OptimM {
		moments[prefixOptimM+name] = tensor.New(append([]float32(nil), m...), len(m))
	}
	for name, v := range c.OptimV {
		moments[prefixOptimV+name] = tensor.New(append([]float32(nil), v...), len(v))
	}
	if len(moments) > 0 {
		if err := WriteSafetensors(optimPath(path), moments, false); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(c.Meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(path), meta, 0o644)
}

// LoadCheckpoint reads a checkpoint and its sidecar.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	flat, err := ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	if extra, err := ReadSafetensors(optimPath(path)); err == nil {
		for name, t := range extra {
			flat[name] = t
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	c := &Checkpoint{
		Model:  make(map[string]*tensor.Tensor),
		OptimM: make(map[string][]float32),
		OptimV: make(map[string][]float32),
		EMA:    make(map[string]*tensor.Tensor),
	}
	for name, t := range flat {
		switch {
		case len(name) > len(prefixModel) && name[:len(prefixModel)] == prefixModel:
			c.Model[name[len(prefixModel):]] = t
		case len(name) > len(prefixEMA) && name[:len(prefixEMA)] == prefixEMA:
			c.EMA[name[len(prefixEMA):]] = t
		case len(name) > len(prefixOptimM) && name[:len(prefixOptimM)] == prefixOptimM:
			c.OptimM[name[len(prefixOptimM):]] = t.Data()
		case len(name) > len(prefixOptimV) && name[:len(prefixOptimV)] == prefixOptimV:
			c.OptimV[name[len(prefixOptimV):]] = t.Data()
		default:
			return nil, fmt.Errorf("training: %s: unknown tensor prefix in %q", path, name)
		}
	}

	raw, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &c.Meta); err != nil {
		return nil, fmt.Errorf("training: %s: %w", sidecarPath(path), err)
	}
	return c, nil
}

func sidecarPath(path string) string {
	return trimExt(path) + ".json"
}

func optimPath(path string) string {
	return trimExt(path) + ".optim.safetensors"
}

func trimExt(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)]
}
