// Package quant describes how individual tensors are quantized: bit width,
// signedness, scaling granularity and statistic, scale floor and range
// restriction. Descriptors are plain values; named base policies leave the
// bit width unresolved so every use site has to state it explicitly.
package quant

import (
	"fmt"
	"math"
)

// Granularity selects how many scale factors a tensor carries.
type Granularity string

const (
	PerTensor  Granularity = "per_tensor"
	PerChannel Granularity = "per_channel"
)

// Statistic selects where a scale factor comes from.
type Statistic string

const (
	// StatAbsMax derives the scale from max |x| over the observed values.
	StatAbsMax Statistic = "abs_max"
	// StatLearnedMax keeps the scale as a learnable parameter initialised
	// from a fixed upper bound (bounded rectifiers).
	StatLearnedMax Statistic = "learned_max"
	// StatImplied takes the scale from the surrounding operation
	// (bias scale = input scale * weight scale).
	StatImplied Statistic = "implied"
)

// Restriction governs how the scale value itself is represented.
type Restriction string

const (
	RestrictLinear Restriction = "linear"
	// RestrictLog2 snaps scales to powers of two.
	RestrictLog2 Restriction = "log2"
)

// DefaultScalingFloor is the smallest scale any base policy allows.
const DefaultScalingFloor = 2e-16

// MaxBitWidth bounds the codes a descriptor may produce (codes are int32).
// Unsigned descriptors get one bit less so QMax still fits.
const MaxBitWidth = 32

// Descriptor is the quantization configuration of one tensor role.
// A zero BitWidth means unresolved.
type Descriptor struct {
	Name         string      `json:"name" yaml:"name"`
	BitWidth     int         `json:"bit_width" yaml:"bit_width"`
	Signed       bool        `json:"signed" yaml:"signed"`
	Granularity  Granularity `json:"granularity" yaml:"granularity"`
	Statistic    Statistic   `json:"statistic" yaml:"statistic"`
	ScalingFloor float64     `json:"scaling_floor" yaml:"scaling_floor"`
	Restriction  Restriction `json:"restriction" yaml:"restriction"`
	NarrowRange  bool        `json:"narrow_range" yaml:"narrow_range"`
}

// Override lists the fields WithOverride replaces. Nil fields keep the base value.
type Override struct {
	Name         *string
	BitWidth     *int
	Signed       *bool
	Granularity  *Granularity
	Statistic    *Statistic
	ScalingFloor *float64
	Restriction  *Restriction
	NarrowRange  *bool
}

// Ptr returns a pointer to v. It keeps Override literals short.
func Ptr[T any](v T) *T { return &v }

// WithOverride returns a copy of base with the non-nil fields of o applied.
func WithOverride(base Descriptor, o Override) Descriptor {
	d := base
	if o.Name != nil {
		d.Name = *o.Name
	}
	if o.BitWidth != nil {
		d.BitWidth = *o.BitWidth
	}
	if o.Signed != nil {
		d.Signed = *o.Signed
	}
	if o.Granularity != nil {
		d.Granularity = *o.Granularity
	}
	if o.Statistic != nil {
		d.Statistic = *o.Statistic
	}
	if o.ScalingFloor != nil {
		d.ScalingFloor = *o.ScalingFloor
	}
	if o.Restriction != nil {
		d.Restriction = *o.Restriction
	}
	if o.NarrowRange != nil {
		d.NarrowRange = *o.NarrowRange
	}
	return d
}

// PerTensorWeight is signed weight quantization with one abs-max scale per tensor.
func PerTensorWeight() Descriptor {
	return Descriptor{
		Name:         "weight_per_tensor",
		Signed:       true,
		Granularity:  PerTensor,
		Statistic:    StatAbsMax,
		ScalingFloor: DefaultScalingFloor,
		Restriction:  RestrictLinear,
		NarrowRange:  true,
	}
}

// PerChannelWeight is PerTensorWeight with one scale per output channel.
func PerChannelWeight() Descriptor {
	return WithOverride(PerTensorWeight(), Override{
		Name:        Ptr("weight_per_channel"),
		Granularity: Ptr(PerChannel),
	})
}

// SignedActivation quantizes activations that may be negative.
func SignedActivation() Descriptor {
	return Descriptor{
		Name:         "act_signed",
		Signed:       true,
		Granularity:  PerTensor,
		Statistic:    StatLearnedMax,
		ScalingFloor: DefaultScalingFloor,
		Restriction:  RestrictLinear,
	}
}

// UnsignedActivation quantizes non-negative (post-ReLU) activations.
func UnsignedActivation() Descriptor {
	return WithOverride(SignedActivation(), Override{
		Name:   Ptr("act_unsigned"),
		Signed: Ptr(false),
	})
}

// IntBias quantizes biases against the scale implied by input * weight.
func IntBias() Descriptor {
	return Descriptor{
		Name:         "bias_int",
		Signed:       true,
		Granularity:  PerChannel,
		Statistic:    StatImplied,
		ScalingFloor: DefaultScalingFloor,
		Restriction:  RestrictLinear,
	}
}

// Resolve returns d with its bit width set. bits must be positive; there is
// no fallback default.
func (d Descriptor) Resolve(bits int) (Descriptor, error) {
	if bits <= 0 {
		return Descriptor{}, ConfigErrorf("%s: bit width must be positive, got %d", d.label(), bits)
	}
	d.BitWidth = bits
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Resolved reports whether the bit width has been set.
func (d Descriptor) Resolved() bool { return d.BitWidth > 0 }

// Validate checks that d can be used to quantize a tensor.
func (d Descriptor) Validate() error {
	if !d.Resolved() {
		return ConfigErrorf("%s: %w", d.label(), ErrUnresolvedBitWidth)
	}
	if d.BitWidth > MaxBitWidth {
		return ConfigErrorf("%s: bit width %d exceeds %d", d.label(), d.BitWidth, MaxBitWidth)
	}
	if !d.Signed && d.BitWidth > MaxBitWidth-1 {
		return ConfigErrorf("%s: unsigned bit width %d exceeds %d", d.label(), d.BitWidth, MaxBitWidth-1)
	}
	if d.BitWidth == 1 && d.Signed && d.NarrowRange {
		return ConfigErrorf("%s: narrow-range signed quantization needs at least 2 bits", d.label())
	}
	if !(d.ScalingFloor > 0) {
		return ConfigErrorf("%s: scaling floor must be > 0, got %g", d.label(), d.ScalingFloor)
	}
	switch d.Granularity {
	case PerTensor, PerChannel:
	default:
		return ConfigErrorf("%s: unknown granularity %q", d.label(), d.Granularity)
	}
	switch d.Statistic {
	case StatAbsMax, StatLearnedMax, StatImplied:
	default:
		return ConfigErrorf("%s: unknown scaling statistic %q", d.label(), d.Statistic)
	}
	switch d.Restriction {
	case RestrictLinear, RestrictLog2:
	default:
		return ConfigErrorf("%s: unknown range restriction %q", d.label(), d.Restriction)
	}
	return nil
}

// QMax is the largest representable code.
func (d Descriptor) QMax() int64 {
	if d.Signed {
		return int64(1)<<(d.BitWidth-1) - 1
	}
	max := int64(1)<<d.BitWidth - 1
	if d.NarrowRange {
		max--
	}
	return max
}

// QMin is the smallest representable code.
func (d Descriptor) QMin() int64 {
	if !d.Signed {
		return 0
	}
	min := -(int64(1) << (d.BitWidth - 1))
	if d.NarrowRange {
		min++
	}
	return min
}

func (d Descriptor) String() string {
	sign := "u"
	if d.Signed {
		sign = "s"
	}
	bits := "?"
	if d.Resolved() {
		bits = fmt.Sprint(d.BitWidth)
	}
	s := fmt.Sprintf("%s%s/%s/%s/%s", sign, bits, d.Granularity, d.Statistic, d.Restriction)
	if d.NarrowRange {
		s += "/narrow"
	}
	return s
}

func (d Descriptor) label() string {
	if d.Name == "" {
		return "quant descriptor"
	}
	return d.Name
}

// EffectiveScale applies the floor and the range restriction to a raw scale.
// floored reports that the raw value was below the floor.
func (d Descriptor) EffectiveScale(raw float64) (scale float32, floored bool) {
	if math.IsNaN(raw) || raw < d.ScalingFloor {
		raw = d.ScalingFloor
		floored = true
	}
	if d.Restriction == RestrictLog2 {
		r := math.Exp2(math.Round(math.Log2(raw)))
		if r < d.ScalingFloor {
			r = math.Exp2(math.Ceil(math.Log2(d.ScalingFloor)))
		}
		raw = r
	}
	s := float32(raw)
	if s == 0 {
		// floors below float32 range
		s = math.SmallestNonzeroFloat32
	}
	return s, floored
}

// Code maps x to its integer code at the given scale, rounding half to even
// and saturating to [QMin, QMax].
func (d Descriptor) Code(x, scale float32) int32 {
	q := math.RoundToEven(float64(x) / float64(scale))
	if lo := float64(d.QMin()); q < lo {
		q = lo
	}
	if hi := float64(d.QMax()); q > hi {
		q = hi
	}
	return int32(q)
}
