package qops

import (
	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

// DefaultMaxVal is the upper clip of the bounded rectifier.
const DefaultMaxVal = 6.0

// Activation is a quantized bounded rectifier: min(max(x, 0), MaxVal)
// quantized onto an unsigned grid whose scale is a learned parameter.
type Activation struct {
	Desc   quant.Descriptor
	MaxVal float32
	// Scale holds one entry per channel for per-channel descriptors,
	// otherwise a single shared entry.
	Scale []float32
}

// NewBoundedReLU builds the rectifier. desc must be resolved; the learned
// scale starts at MaxVal / QMax so the grid initially spans [0, MaxVal].
func NewBoundedReLU(desc quant.Descriptor, channels int, maxVal float32) (*Activation, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Signed {
		return nil, quant.ConfigErrorf("%s: bounded rectifier needs an unsigned descriptor", desc.Name)
	}
	if !(maxVal > 0) {
		return nil, quant.ConfigErrorf("rectifier upper bound must be positive, got %g", maxVal)
	}
	if channels <= 0 {
		return nil, quant.ConfigErrorf("rectifier channels must be positive, got %d", channels)
	}
	n := 1
	if desc.Granularity == quant.PerChannel {
		n = channels
	}
	a := &Activation{Desc: desc, MaxVal: maxVal, Scale: make([]float32, n)}
	init := maxVal / float32(desc.QMax())
	for i := range a.Scale {
		a.Scale[i] = init
	}
	return a, nil
}

// Forward clips and quantizes x. The returned value owns a new tensor.
func (a *Activation) Forward(x *tensor.Tensor) (Value, error) {
	if len(a.Scale) > 1 && len(a.Scale) != x.Shape.C {
		return Value{}, quant.ShapeErrorf("rectifier has %d channel scales, input %s", len(a.Scale), x.Shape)
	}
	clipped := make([]float32, len(x.Data))
	for i, v := range x.Data {
		switch {
		case v < 0:
			v = 0
		case v > a.MaxVal:
			v = a.MaxVal
		}
		clipped[i] = v
	}
	q, err := quant.QuantizeWithScales(clipped, a.Scale, x.ChannelOf, a.Desc)
	if err != nil {
		return Value{}, err
	}
	return Value{
		T:       &tensor.Tensor{Shape: x.Shape, Data: q.Values},
		Scales:  q.Scales,
		Bits:    a.Desc.BitWidth,
		Signed:  false,
		Floored: q.Floored,
	}, nil
}
