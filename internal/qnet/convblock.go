package qnet

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/samcharles93/qnet/internal/logger"
	"github.com/samcharles93/qnet/internal/qops"
	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

type convOptions struct {
	stride        int
	padding       int
	hasPadding    bool
	groups        int
	biasBits      int
	actPerChannel bool
	maxVal        float32
	seed          int64
}

// ConvOption customises a ConvBlock.
type ConvOption func(*convOptions)

// WithStride sets the convolution stride (default 1).
func WithStride(s int) ConvOption { return func(o *convOptions) { o.stride = s } }

// WithPadding overrides the default (kernel-1)/2 padding.
func WithPadding(p int) ConvOption {
	return func(o *convOptions) { o.padding, o.hasPadding = p, true }
}

// WithGroups sets the group count; groups == in channels is depthwise.
func WithGroups(g int) ConvOption { return func(o *convOptions) { o.groups = g } }

// WithBias adds a bias quantized at bits against the implied scale.
func WithBias(bits int) ConvOption { return func(o *convOptions) { o.biasBits = bits } }

// WithPerChannelActivation gives the rectifier one scale per channel.
func WithPerChannelActivation(on bool) ConvOption {
	return func(o *convOptions) { o.actPerChannel = on }
}

// WithMaxVal sets the rectifier upper bound (default 6).
func WithMaxVal(v float32) ConvOption { return func(o *convOptions) { o.maxVal = v } }

// WithInitSeed seeds the weight initialisation.
func WithInitSeed(seed int64) ConvOption { return func(o *convOptions) { o.seed = seed } }

// ConvBlock is convolution → batch norm → quantized bounded rectifier.
// Projection blocks (Act == nil) stop after batch norm.
type ConvBlock struct {
	Name        string
	InChannels  int
	OutChannels int
	KernelSize  int
	Params      qops.ConvParams

	WeightDesc quant.Descriptor
	BiasDesc   quant.Descriptor
	Weight     []float32 // [out][in/groups][k][k]
	Bias       []float32 // nil unless WithBias

	BN  *qops.BatchNorm
	Act *qops.Activation

	sink quant.DegradationSink
}

// NewConvBlock builds a quantized conv block. weightBits and actBits are
// required; a non-positive value is a configuration error.
func NewConvBlock(name string, in, out, kernel, weightBits, actBits int, opts ...ConvOption) (*ConvBlock, error) {
	b, o, err := newConv(name, in, out, kernel, weightBits, opts)
	if err != nil {
		return nil, err
	}
	actDesc, err := quant.WithOverride(quant.UnsignedActivation(), quant.Override{
		Granularity: quant.Ptr(granularity(o.actPerChannel)),
	}).Resolve(actBits)
	if err != nil {
		return nil, fmt.Errorf("%s: activation: %w", name, err)
	}
	if b.Act, err = qops.NewBoundedReLU(actDesc, out, o.maxVal); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// NewProjection builds a linear block: quantized weights and batch norm
// with no rectifier, so negative values survive into a residual sum.
func NewProjection(name string, in, out, kernel, weightBits int, opts ...ConvOption) (*ConvBlock, error) {
	b, _, err := newConv(name, in, out, kernel, weightBits, opts)
	return b, err
}

func newConv(name string, in, out, kernel, weightBits int, opts []ConvOption) (*ConvBlock, convOptions, error) {
	o := convOptions{stride: 1, groups: 1, maxVal: qops.DefaultMaxVal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasPadding && kernel > 0 {
		o.padding = (kernel - 1) / 2
	}
	params := qops.ConvParams{Stride: o.stride, Padding: o.padding, Groups: o.groups}
	if err := params.Validate(in, out, kernel); err != nil {
		return nil, o, fmt.Errorf("%s: %w", name, err)
	}
	wd, err := quant.PerChannelWeight().Resolve(weightBits)
	if err != nil {
		return nil, o, fmt.Errorf("%s: weight: %w", name, err)
	}
	bn, err := qops.NewBatchNorm(out)
	if err != nil {
		return nil, o, fmt.Errorf("%s: %w", name, err)
	}
	b := &ConvBlock{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernel,
		Params:      params,
		WeightDesc:  wd,
		Weight:      make([]float32, out*(in/o.groups)*kernel*kernel),
		BN:          bn,
	}
	if o.biasBits != 0 {
		if b.BiasDesc, err = quant.IntBias().Resolve(o.biasBits); err != nil {
			return nil, o, fmt.Errorf("%s: bias: %w", name, err)
		}
		b.Bias = make([]float32, out)
	}
	// kaiming normal, fan-out
	std := math.Sqrt(2 / float64(out*kernel*kernel))
	tensor.FillNormal(b.Weight, std, o.seed^nameSeed(name))
	return b, o, nil
}

func granularity(perChannel bool) quant.Granularity {
	if perChannel {
		return quant.PerChannel
	}
	return quant.PerTensor
}

func nameSeed(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}

// Linear reports whether the block has no rectifier.
func (b *ConvBlock) Linear() bool { return b.Act == nil }

// OutputShape returns the shape Forward produces for an input of shape s.
func (b *ConvBlock) OutputShape(s tensor.Shape) tensor.Shape {
	k, p := b.KernelSize, b.Params
	return tensor.Shape{
		N: s.N,
		C: b.OutChannels,
		H: qops.OutputSize(s.H, k, p.Stride, p.Padding),
		W: qops.OutputSize(s.W, k, p.Stride, p.Padding),
	}
}

// QuantizedWeight quantizes the current weights per output channel.
func (b *ConvBlock) QuantizedWeight() (quant.QuantTensor, error) {
	q, err := quant.Quantize(b.Weight, b.OutChannels, b.WeightDesc)
	if err != nil {
		return quant.QuantTensor{}, fmt.Errorf("%s: %w", b.Name, err)
	}
	return q, nil
}

// Forward evaluates the block. A quantized input lets the bias, when
// present, be quantized against input scale × weight scale.
func (b *ConvBlock) Forward(ctx context.Context, x qops.Value) (qops.Value, error) {
	if x.T.Shape.C != b.InChannels {
		return qops.Value{}, quant.ShapeErrorf("%s: expects %d input channels, got %s", b.Name, b.InChannels, x.T.Shape)
	}
	wq, err := b.QuantizedWeight()
	if err != nil {
		return qops.Value{}, err
	}
	b.report(ctx, "conv.weight", wq.Floored, wq.Scales, b.WeightDesc.ScalingFloor)

	bias, err := b.quantizedBias(ctx, x, wq)
	if err != nil {
		return qops.Value{}, err
	}
	y, err := qops.Conv2D(ctx, x.T, wq.Values, b.OutChannels, b.KernelSize, b.Params, bias)
	if err != nil {
		return qops.Value{}, fmt.Errorf("%s: %w", b.Name, err)
	}
	if y, err = b.BN.Forward(y); err != nil {
		return qops.Value{}, fmt.Errorf("%s: %w", b.Name, err)
	}
	if b.Act == nil {
		return qops.Float(y), nil
	}
	v, err := b.Act.Forward(y)
	if err != nil {
		return qops.Value{}, fmt.Errorf("%s: %w", b.Name, err)
	}
	b.report(ctx, "act.scale", v.Floored, v.Scales, b.Act.Desc.ScalingFloor)
	return v, nil
}

func (b *ConvBlock) quantizedBias(ctx context.Context, x qops.Value, wq quant.QuantTensor) ([]float32, error) {
	if b.Bias == nil {
		return nil, nil
	}
	if !x.Quantized() {
		return b.Bias, nil
	}
	scales := make([]float32, b.OutChannels)
	in := x.MaxScale()
	for c := range scales {
		scales[c] = in * wq.Scale(c)
	}
	qb, err := quant.QuantizeWithScales(b.Bias, scales, func(i int) int { return i }, b.BiasDesc)
	if err != nil {
		return nil, fmt.Errorf("%s: bias: %w", b.Name, err)
	}
	b.report(ctx, "conv.bias", qb.Floored, qb.Scales, b.BiasDesc.ScalingFloor)
	return qb.Values, nil
}

func (b *ConvBlock) report(ctx context.Context, tensorName string, floored []int, scales []float32, floor float64) {
	report(ctx, b.sink, b.Name+"."+tensorName, floored, scales, floor)
}

func report(ctx context.Context, sink quant.DegradationSink, name string, floored []int, scales []float32, floor float64) {
	if len(floored) == 0 {
		return
	}
	for _, c := range floored {
		d := quant.Degradation{Tensor: name, Channel: c, Scale: scales[c], Floor: floor}
		if sink != nil {
			sink(d)
			continue
		}
		logger.FromContext(ctx).Warn("quantization scale collapsed to floor",
			"tensor", d.Tensor, "channel", d.Channel, "scale", d.Scale, "floor", d.Floor)
	}
}

// SetTraining toggles batch statistics for the block's normalization.
func (b *ConvBlock) SetTraining(on bool) { b.BN.Training = on }

func (b *ConvBlock) setSink(s quant.DegradationSink) { b.sink = s }
