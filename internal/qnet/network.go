package qnet

import (
	"context"
	"fmt"

	"github.com/samcharles93/qnet/internal/logger"
	"github.com/samcharles93/qnet/internal/qops"
	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

type options struct {
	seed int64
	sink quant.DegradationSink
}

// Option configures network construction.
type Option func(*options)

// WithSeed seeds weight initialisation. The same seed and config always
// produce the same parameters.
func WithSeed(seed int64) Option { return func(o *options) { o.seed = seed } }

// WithDegradationSink routes scale-floor reports to sink instead of the
// context logger.
func WithDegradationSink(sink quant.DegradationSink) Option {
	return func(o *options) { o.sink = sink }
}

// Network is the assembled quantization-aware MobileNetV2.
type Network struct {
	Config Config
	Plan   Plan

	Stem   *ConvBlock
	Blocks []*InvertedResidual
	Head   *ConvBlock

	ClassifierWeight []float32 // [classes][last channels]
	ClassifierBias   []float32
	classifierDesc   quant.Descriptor
	biasDesc         quant.Descriptor

	sink quant.DegradationSink
}

// New validates cfg, builds the block plan and constructs every layer.
func New(ctx context.Context, cfg Config, opts ...Option) (*Network, error) {
	plan, err := BuildPlan(cfg)
	if err != nil {
		return nil, err
	}
	return NewFromPlan(ctx, cfg, plan, opts...)
}

// NewFromPlan constructs a network from an explicit block plan. The plan is
// validated against cfg before any block is built.
func NewFromPlan(ctx context.Context, cfg Config, plan Plan, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Network{Config: cfg, Plan: plan, sink: o.sink}
	common := []ConvOption{
		WithInitSeed(o.seed),
		WithMaxVal(float32(cfg.ActMaxVal)),
		WithPerChannelActivation(cfg.ActPerChannel),
	}

	var err error
	n.Stem, err = NewConvBlock("features.0", cfg.InputChannels, plan.StemChannels, 3,
		cfg.FirstLayerWeightBits, cfg.InternalActBits, append(common, WithStride(2))...)
	if err != nil {
		return nil, err
	}
	for _, b := range plan.Blocks {
		blk, err := NewInvertedResidual(b.Name, b.In, b.Out, b.Stride, b.ExpandRatio,
			cfg.InternalWeightBits, cfg.InternalActBits, common...)
		if err != nil {
			return nil, err
		}
		if blk.UseResidual() != b.Residual {
			return nil, quant.ConfigErrorf("%s: plan residual=%t disagrees with block: %w", b.Name, b.Residual, quant.ErrShape)
		}
		n.Blocks = append(n.Blocks, blk)
	}
	last := plan.Blocks[len(plan.Blocks)-1].Out
	n.Head, err = NewConvBlock(fmt.Sprintf("features.%d", len(plan.Blocks)+1), last, plan.LastChannels, 1,
		cfg.InternalWeightBits, cfg.InternalActBits, common...)
	if err != nil {
		return nil, err
	}

	if n.classifierDesc, err = quant.PerTensorWeight().Resolve(cfg.LastLayerWeightBits); err != nil {
		return nil, fmt.Errorf("classifier: weight: %w", err)
	}
	if n.biasDesc, err = quant.IntBias().Resolve(cfg.BiasBits); err != nil {
		return nil, fmt.Errorf("classifier: bias: %w", err)
	}
	n.ClassifierWeight = make([]float32, cfg.NumClasses*plan.LastChannels)
	n.ClassifierBias = make([]float32, cfg.NumClasses)
	tensor.FillNormal(n.ClassifierWeight, 0.01, o.seed^nameSeed("classifier"))

	n.setSink(o.sink)
	logger.FromContext(ctx).Debug("network constructed",
		"blocks", len(n.Blocks),
		"stem_channels", plan.StemChannels,
		"last_channels", plan.LastChannels,
		"classes", cfg.NumClasses,
		"parameters", n.NumParameters(),
	)
	return n, nil
}

// Classify runs a forward pass over an NCHW batch and returns N×classes logits.
func (n *Network) Classify(ctx context.Context, x *tensor.Tensor) (tensor.Mat, error) {
	if !x.Shape.Valid() || len(x.Data) != x.Shape.Numel() {
		return tensor.Mat{}, quant.ShapeErrorf("invalid input tensor %s", x.Shape)
	}
	if x.Shape.C != n.Config.InputChannels {
		return tensor.Mat{}, quant.ShapeErrorf("input has %d channels, network expects %d", x.Shape.C, n.Config.InputChannels)
	}
	v, err := n.Stem.Forward(ctx, qops.Float(x))
	if err != nil {
		return tensor.Mat{}, err
	}
	for _, b := range n.Blocks {
		if v, err = b.Forward(ctx, v); err != nil {
			return tensor.Mat{}, err
		}
	}
	if v, err = n.Head.Forward(ctx, v); err != nil {
		return tensor.Mat{}, err
	}
	pooled, err := qops.GlobalAvgPool(v, n.Config.RoundAveragePool)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("pool: %w", err)
	}
	w, err := quant.Quantize(n.ClassifierWeight, n.Config.NumClasses, n.classifierDesc)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("classifier: %w", err)
	}
	report(ctx, n.sink, "classifier.weight", w.Floored, w.Scales, n.classifierDesc.ScalingFloor)
	res, err := qops.Linear(ctx, pooled, w, n.Config.NumClasses, n.ClassifierBias, n.biasDesc)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("classifier: %w", err)
	}
	if res.Bias != nil {
		report(ctx, n.sink, "classifier.bias", res.Bias.Floored, res.Bias.Scales, n.biasDesc.ScalingFloor)
	}
	return res.Logits, nil
}

// SetTraining switches every batch norm between batch and running statistics.
func (n *Network) SetTraining(on bool) {
	n.Stem.SetTraining(on)
	for _, b := range n.Blocks {
		b.SetTraining(on)
	}
	n.Head.SetTraining(on)
}

// ConvBlocks returns every conv block in evaluation order.
func (n *Network) ConvBlocks() []*ConvBlock {
	out := []*ConvBlock{n.Stem}
	for _, b := range n.Blocks {
		out = append(out, b.Stages()...)
	}
	return append(out, n.Head)
}

func (n *Network) setSink(sink quant.DegradationSink) {
	n.Stem.setSink(sink)
	for _, b := range n.Blocks {
		b.setSink(sink)
	}
	n.Head.setSink(sink)
}

// OutputSpatial returns the spatial size of the head output for an input
// of size h×w.
func (n *Network) OutputSpatial(h, w int) (int, int) {
	s := tensor.Shape{N: 1, C: n.Config.InputChannels, H: h, W: w}
	s = n.Stem.OutputShape(s)
	for _, b := range n.Blocks {
		for _, st := range b.Stages() {
			s = st.OutputShape(s)
		}
	}
	s = n.Head.OutputShape(s)
	return s.H, s.W
}

