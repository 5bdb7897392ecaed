// Package nn provides the layer types the diffusion network is assembled
// from, and reflection helpers that walk a model struct to enumerate its
// parameters by dotted name. Parameter names come from `weight` struct tags,
// the same binding scheme the rest of the codebase uses for checkpoints.
package nn

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

var tensorType = reflect.TypeOf((*tensor.Tensor)(nil))

// Visit walks module recursively and calls fn for every non-nil
// *tensor.Tensor field, with its dotted parameter name. Fields tagged
// `weight:"-"` are skipped; untagged fields use the lowercased field name.
func Visit(module any, fn func(name string, t *tensor.Tensor)) {
	walk(reflect.ValueOf(module), "", fn)
}

func fieldName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("weight")
	if tag == "-" {
		return "", false
	}
	if tag != "" {
		return tag, true
	}
	return strings.ToLower(f.Name), true
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func walk(v reflect.Value, prefix string, fn func(string, *tensor.Tensor)) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return
		}
		if v.Type() == tensorType {
			fn(prefix, v.Interface().(*tensor.Tensor))
			return
		}
		walk(v.Elem(), prefix, fn)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, ok := fieldName(f)
			if !ok {
				continue
			}
			fv := v.Field(i)
			switch fv.Kind() {
			case reflect.Pointer, reflect.Interface, reflect.Struct:
				walk(fv, joinName(prefix, name), fn)
			case reflect.Slice, reflect.Array:
				if ek := fv.Type().Elem().Kind(); ek != reflect.Pointer && ek != reflect.Interface && ek != reflect.Struct {
					continue
				}
				for j := 0; j < fv.Len(); j++ {
					walk(fv.Index(j), joinName(prefix, name)+"."+strconv.Itoa(j), fn)
				}
			}
		}
	}
}

// StateDict returns every parameter tensor keyed by dotted name.
func StateDict(module any) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	Visit(module, func(name string, t *tensor.Tensor) {
		out[name] = t
	})
	return out
}

// SortedNames returns the state-dict keys in deterministic order.
func SortedNames(dict map[string]*tensor.Tensor) []string {
	names := make([]string, 0, len(dict))
	for name := range dict {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadStateDict copies values from dict into the module's tensors in place,
// so existing references (optimizer state, EMA shadows) stay valid. Every
// module parameter must be present with a matching shape; extra keys are an
// error.
func LoadStateDict(module any, dict map[string]*tensor.Tensor) error {
	seen := make(map[string]bool, len(dict))
	var firstErr error
	Visit(module, func(name string, t *tensor.Tensor) {
		if firstErr != nil {
			return
		}
		src, ok := dict[name]
		if !ok {
			firstErr = fmt.Errorf("nn: state dict missing %q", name)
			return
		}
		if src.Numel() != t.Numel() {
			firstErr = fmt.Errorf("nn: %q has %d elements, state dict has %d (shape %v vs %v)",
				name, t.Numel(), src.Numel(), t.Shape(), src.Shape())
			return
		}
		copy(t.Data(), src.Data())
		seen[name] = true
	})
	if firstErr != nil {
		return firstErr
	}
	for name := range dict {
		if !seen[name] {
			return fmt.Errorf("nn: state dict has unknown key %q", name)
		}
	}
	return nil
}

// NamedParameter pairs a trainable tensor with its dotted name.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Parameters returns the module's trainable tensors in deterministic name
// order.
func Parameters(module any) []NamedParameter {
	dict := StateDict(module)
	var out []NamedParameter
	for _, name := range SortedNames(dict) {
		if dict[name].RequiresGrad() {
			out = append(out, NamedParameter{Name: name, Tensor: dict[name]})
		}
	}
	return out
}

// NamedTensors returns every tensor, trainable or not, in deterministic name
// order. This is the full checkpointable surface.
func NamedTensors(module any) []NamedParameter {
	dict := StateDict(module)
	out := make([]NamedParameter, 0, len(dict))
	for _, name := range SortedNames(dict) {
		out = append(out, NamedParameter{Name: name, Tensor: dict[name]})
	}
	return out
}
