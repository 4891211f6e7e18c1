package qnet

import (
	"fmt"
	"math"

	"github.com/samcharles93/qnet/pkg/quant"
)

// MakeDivisible rounds v to the nearest multiple of divisor, never below
// minValue and never more than 10% below v.
func MakeDivisible(v float64, divisor, minValue int) int {
	if minValue <= 0 {
		minValue = divisor
	}
	d := float64(divisor)
	n := int(v+d/2) / divisor * divisor
	if n < minValue {
		n = minValue
	}
	if float64(n) < 0.9*v {
		n += divisor
	}
	return n
}

// BlockSpec is one fully resolved inverted residual block.
type BlockSpec struct {
	Name        string  `json:"name"`
	Stage       int     `json:"stage"`
	Index       int     `json:"index"`
	In          int     `json:"in"`
	Out         int     `json:"out"`
	Stride      int     `json:"stride"`
	ExpandRatio float64 `json:"expand_ratio"`
	Residual    bool    `json:"residual"`
}

// Plan is the channel layout of the whole network after width scaling.
type Plan struct {
	StemChannels int         `json:"stem_channels"`
	Blocks       []BlockSpec `json:"blocks"`
	LastChannels int         `json:"last_channels"`
}

// BuildPlan expands the configuration table into per-block specs and
// validates the result before anything is allocated.
func BuildPlan(cfg Config) (Plan, error) {
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	width := cfg.WidthMultiplier
	p := Plan{
		StemChannels: MakeDivisible(float64(cfg.BaseChannels)*width, cfg.Divisor, 0),
		LastChannels: MakeDivisible(float64(cfg.LastChannels)*math.Max(1, width), cfg.Divisor, 0),
	}
	in := p.StemChannels
	for si, s := range cfg.Table {
		out := MakeDivisible(float64(s.Channels)*width, cfg.Divisor, 0)
		for r := 0; r < s.Repeats; r++ {
			stride := 1
			if r == 0 {
				stride = s.Stride
			}
			p.Blocks = append(p.Blocks, BlockSpec{
				Name:        fmt.Sprintf("features.%d", len(p.Blocks)+1),
				Stage:       si,
				Index:       r,
				In:          in,
				Out:         out,
				Stride:      stride,
				ExpandRatio: s.ExpandRatio,
				Residual:    stride == 1 && in == out,
			})
			in = out
		}
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks channel continuity and the residual rule across the plan.
// Violations are configuration errors that also match quant.ErrShape.
func (p Plan) Validate() error {
	if p.StemChannels <= 0 || p.LastChannels <= 0 {
		return quant.ConfigErrorf("plan: stem and last channels must be positive")
	}
	if len(p.Blocks) == 0 {
		return quant.ConfigErrorf("plan: no blocks")
	}
	prev := p.StemChannels
	for i, b := range p.Blocks {
		if b.In <= 0 || b.Out <= 0 {
			return quant.ConfigErrorf("plan block %d (%s): channels must be positive", i, b.Name)
		}
		if !(b.ExpandRatio > 0) {
			return quant.ConfigErrorf("plan block %d (%s): expand ratio must be positive", i, b.Name)
		}
		if b.Stride != 1 && b.Stride != 2 {
			return quant.ConfigErrorf("plan block %d (%s): stride must be 1 or 2, got %d", i, b.Name, b.Stride)
		}
		if b.In != prev {
			return quant.ConfigErrorf("plan block %d (%s): input channels %d do not follow previous output %d: %w", i, b.Name, b.In, prev, quant.ErrShape)
		}
		if b.Index > 0 && (b.Stride != 1 || b.In != b.Out) {
			return quant.ConfigErrorf("plan block %d (%s): repeat %d must keep stride 1 and %d channels: %w", i, b.Name, b.Index, b.In, quant.ErrShape)
		}
		if want := b.Stride == 1 && b.In == b.Out; b.Residual != want {
			return quant.ConfigErrorf("plan block %d (%s): residual=%t but stride %d maps %d -> %d channels: %w", i, b.Name, b.Residual, b.Stride, b.In, b.Out, quant.ErrShape)
		}
		prev = b.Out
	}
	return nil
}
