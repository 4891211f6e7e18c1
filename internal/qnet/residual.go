package qnet

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/qnet/internal/qops"
	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

// InvertedResidual is expand (1×1, optional) → depthwise 3×3 → linear
// projection (1×1), with an identity shortcut when shapes allow it.
type InvertedResidual struct {
	Name        string
	InChannels  int
	OutChannels int
	Stride      int
	ExpandRatio float64
	Hidden      int

	Expand    *ConvBlock // nil when ExpandRatio == 1
	Depthwise *ConvBlock
	Project   *ConvBlock

	useResidual bool
}

// NewInvertedResidual builds the block. opts apply to the expansion and
// depthwise stages.
func NewInvertedResidual(name string, in, out, stride int, expandRatio float64, weightBits, actBits int, opts ...ConvOption) (*InvertedResidual, error) {
	if stride != 1 && stride != 2 {
		return nil, quant.ConfigErrorf("%s: stride must be 1 or 2, got %d", name, stride)
	}
	if in <= 0 || out <= 0 {
		return nil, quant.ConfigErrorf("%s: channel counts must be positive, got in=%d out=%d", name, in, out)
	}
	if !(expandRatio > 0) || math.IsInf(expandRatio, 0) {
		return nil, quant.ConfigErrorf("%s: expand ratio must be positive, got %g", name, expandRatio)
	}
	hidden := int(math.RoundToEven(float64(in) * expandRatio))
	if hidden <= 0 {
		return nil, quant.ConfigErrorf("%s: expand ratio %g leaves no hidden channels for %d inputs", name, expandRatio, in)
	}

	r := &InvertedResidual{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		Stride:      stride,
		ExpandRatio: expandRatio,
		Hidden:      hidden,
		useResidual: stride == 1 && in == out,
	}
	stage := 0
	var err error
	if expandRatio != 1 {
		r.Expand, err = NewConvBlock(fmt.Sprintf("%s.conv.%d", name, stage), in, hidden, 1, weightBits, actBits, opts...)
		if err != nil {
			return nil, err
		}
		stage++
	}
	dwOpts := append(append([]ConvOption{}, opts...), WithStride(stride), WithGroups(hidden))
	r.Depthwise, err = NewConvBlock(fmt.Sprintf("%s.conv.%d", name, stage), hidden, hidden, 3, weightBits, actBits, dwOpts...)
	if err != nil {
		return nil, err
	}
	stage++
	r.Project, err = NewProjection(fmt.Sprintf("%s.conv.%d", name, stage), hidden, out, 1, weightBits, projectionOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// projectionOpts keeps only the options meaningful without a rectifier.
func projectionOpts(opts []ConvOption) []ConvOption {
	var o convOptions
	for _, opt := range opts {
		opt(&o)
	}
	out := []ConvOption{WithInitSeed(o.seed)}
	if o.biasBits != 0 {
		out = append(out, WithBias(o.biasBits))
	}
	return out
}

// UseResidual reports whether the identity shortcut is applied. It is fixed
// at construction.
func (r *InvertedResidual) UseResidual() bool { return r.useResidual }

// Stages returns the conv blocks in evaluation order.
func (r *InvertedResidual) Stages() []*ConvBlock {
	if r.Expand == nil {
		return []*ConvBlock{r.Depthwise, r.Project}
	}
	return []*ConvBlock{r.Expand, r.Depthwise, r.Project}
}

// Forward evaluates the block. The result is the unquantized projection,
// plus the input when the shortcut is active.
func (r *InvertedResidual) Forward(ctx context.Context, x qops.Value) (qops.Value, error) {
	v := x
	for _, s := range r.Stages() {
		var err error
		if v, err = s.Forward(ctx, v); err != nil {
			return qops.Value{}, err
		}
	}
	if !r.useResidual {
		return v, nil
	}
	if v.T.Shape != x.T.Shape {
		return qops.Value{}, quant.ShapeErrorf("%s: residual add of %s and %s", r.Name, x.T.Shape, v.T.Shape)
	}
	tensor.Add(v.T.Data, x.T.Data)
	return qops.Float(v.T), nil
}

// SetTraining toggles batch statistics in every stage.
func (r *InvertedResidual) SetTraining(on bool) {
	for _, s := range r.Stages() {
		s.SetTraining(on)
	}
}

func (r *InvertedResidual) setSink(sink quant.DegradationSink) {
	for _, s := range r.Stages() {
		s.setSink(sink)
	}
}
