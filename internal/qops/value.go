// Package qops holds the simulated-quantization primitives the network is
// assembled from: grouped convolution, batch normalization, the quantized
// bounded rectifier, global average pooling and the quantized linear layer.
//
// Every quantized primitive computes on dequantized float32 values so the
// forward pass stays differentiable for the training collaborator, while the
// integer codes and scales are carried alongside for export.
package qops

import "github.com/samcharles93/qnet/internal/tensor"

// Value is a tensor together with the quantization grid it lies on.
// Scales is nil for values that were never quantized.
type Value struct {
	T       *tensor.Tensor
	Scales  []float32
	Bits    int
	Signed  bool
	Floored []int
}

// Float wraps an unquantized tensor.
func Float(t *tensor.Tensor) Value { return Value{T: t} }

// Quantized reports whether v carries a scale.
func (v Value) Quantized() bool { return len(v.Scales) > 0 }

// Scale returns the scale of channel c.
func (v Value) Scale(c int) float32 {
	if len(v.Scales) == 1 {
		return v.Scales[0]
	}
	return v.Scales[c]
}

// MaxScale returns the largest scale in v, or 0 when v is not quantized.
func (v Value) MaxScale() float32 {
	var m float32
	for _, s := range v.Scales {
		if s > m {
			m = s
		}
	}
	return m
}
