package quant

import "math"

// QuantTensor is a quantized tensor: integer codes, their scales and the
// dequantized values the simulated forward pass consumes.
//
// Codes and Values are channel-major: channel c owns the contiguous run
// [c*len/Channels, (c+1)*len/Channels).
type QuantTensor struct {
	Desc     Descriptor
	Channels int
	Scales   []float32
	Codes    []int32
	Values   []float32
	// Floored lists the channels whose scale was clamped to the floor.
	Floored []int
}

// Scale returns the scale that applies to channel c.
func (q QuantTensor) Scale(c int) float32 {
	if len(q.Scales) == 1 {
		return q.Scales[0]
	}
	return q.Scales[c]
}

// Degradation reports a scale that collapsed onto the descriptor floor.
// It is diagnostic only; the descriptor is never adjusted in response.
type Degradation struct {
	Tensor  string
	Channel int
	Scale   float32
	Floor   float64
}

// DegradationSink receives degradation reports.
type DegradationSink func(Degradation)

// Quantize quantizes channel-major x with an abs-max statistic. channels is
// the size of the leading axis; it must divide len(x) when d is per-channel.
func Quantize(x []float32, channels int, d Descriptor) (QuantTensor, error) {
	if err := d.Validate(); err != nil {
		return QuantTensor{}, err
	}
	if d.Statistic != StatAbsMax {
		return QuantTensor{}, ConfigErrorf("%s: Quantize needs statistic %q, got %q", d.label(), StatAbsMax, d.Statistic)
	}
	groups := 1
	if d.Granularity == PerChannel {
		if channels <= 0 {
			return QuantTensor{}, ConfigErrorf("%s: per-channel scaling needs a channel count", d.label())
		}
		groups = channels
	}
	if len(x)%groups != 0 {
		return QuantTensor{}, ShapeErrorf("%s: %d values do not split into %d channels", d.label(), len(x), groups)
	}

	per := len(x) / groups
	q := QuantTensor{
		Desc:     d,
		Channels: groups,
		Scales:   make([]float32, groups),
		Codes:    make([]int32, len(x)),
		Values:   make([]float32, len(x)),
	}
	qmax := float64(d.QMax())
	for g := 0; g < groups; g++ {
		run := x[g*per : (g+1)*per]
		var amax float64
		for _, v := range run {
			amax = math.Max(amax, math.Abs(float64(v)))
		}
		scale, floored := d.EffectiveScale(amax / qmax)
		if floored {
			q.Floored = append(q.Floored, g)
		}
		q.Scales[g] = scale
		for i, v := range run {
			code := d.Code(v, scale)
			q.Codes[g*per+i] = code
			q.Values[g*per+i] = float32(code) * scale
		}
	}
	return q, nil
}

// QuantizeWithScales quantizes x against externally supplied scales, one per
// channel (or a single shared one). channelOf maps a flat index to its channel.
func QuantizeWithScales(x []float32, scales []float32, channelOf func(int) int, d Descriptor) (QuantTensor, error) {
	if err := d.Validate(); err != nil {
		return QuantTensor{}, err
	}
	if len(scales) == 0 {
		return QuantTensor{}, ConfigErrorf("%s: no scales supplied", d.label())
	}
	if len(scales) > 1 && channelOf == nil {
		return QuantTensor{}, ConfigErrorf("%s: %d scales but no channel mapping", d.label(), len(scales))
	}
	q := QuantTensor{
		Desc:     d,
		Channels: len(scales),
		Scales:   make([]float32, len(scales)),
		Codes:    make([]int32, len(x)),
		Values:   make([]float32, len(x)),
	}
	for c, raw := range scales {
		s, floored := d.EffectiveScale(float64(raw))
		if floored {
			q.Floored = append(q.Floored, c)
		}
		q.Scales[c] = s
	}
	for i, v := range x {
		c := 0
		if len(q.Scales) > 1 {
			c = channelOf(i)
		}
		code := d.Code(v, q.Scales[c])
		q.Codes[i] = code
		q.Values[i] = float32(code) * q.Scales[c]
	}
	return q, nil
}
