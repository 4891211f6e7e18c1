package qnet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qnet/pkg/quant"
)

func TestMakeDivisible(t *testing.T) {
	t.Parallel()
	tests := []struct {
		v    float64
		want int
	}{
		{v: 32 * 0.5, want: 16},
		{v: 32 * 0.35, want: 16},
		{v: 32 * 1.0, want: 32},
		{v: 24 * 0.5, want: 16},
		{v: 96 * 0.75, want: 72},
		{v: 0.1, want: 8},
		{v: 1280 * 1.4, want: 1792},
	}
	for _, tt := range tests {
		got := MakeDivisible(tt.v, 8, 0)
		require.Equal(t, tt.want, got, "v=%g", tt.v)
		require.Zero(t, got%8)
		require.GreaterOrEqual(t, float64(got), 0.9*tt.v)
	}
}

func TestBuildPlanDefault(t *testing.T) {
	t.Parallel()
	p, err := BuildPlan(DefaultConfig(1000))
	require.NoError(t, err)
	require.Equal(t, 32, p.StemChannels)
	require.Equal(t, 1280, p.LastChannels)
	require.Len(t, p.Blocks, 17)
	require.Equal(t, "features.1", p.Blocks[0].Name)
	require.Equal(t, 320, p.Blocks[16].Out)

	residuals := 0
	for _, b := range p.Blocks {
		if b.Residual {
			residuals++
		}
	}
	require.Equal(t, 10, residuals)
}

func TestBuildPlanChannelContinuity(t *testing.T) {
	t.Parallel()
	for _, width := range []float64{0.35, 0.5, 0.75, 1.0, 1.4} {
		cfg := DefaultConfig(10)
		cfg.WidthMultiplier = width
		p, err := BuildPlan(cfg)
		require.NoError(t, err, "width %g", width)
		for i, b := range p.Blocks {
			if b.Index == 0 {
				continue
			}
			prev := p.Blocks[i-1]
			require.Equal(t, prev.Out, b.In, "width %g block %d", width, i)
			require.Equal(t, 1, b.Stride, "width %g block %d", width, i)
			require.True(t, b.Residual, "width %g block %d", width, i)
		}
	}
}

func TestBuildPlanWidthHalf(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig(10)
	cfg.WidthMultiplier = 0.5
	p, err := BuildPlan(cfg)
	require.NoError(t, err)
	require.Equal(t, 16, p.StemChannels)
	require.Equal(t, 1280, p.LastChannels)
	require.Equal(t, 8, p.Blocks[0].Out)
	require.Equal(t, 16, p.Blocks[1].Out)
}

func TestBuildPlanRejectsMalformedTable(t *testing.T) {
	t.Parallel()
	tests := map[string]func(*Config){
		"empty table":       func(c *Config) { c.Table = nil },
		"zero repeats":      func(c *Config) { c.Table[1].Repeats = 0 },
		"stride three":      func(c *Config) { c.Table[2].Stride = 3 },
		"zero channels":     func(c *Config) { c.Table[0].Channels = 0 },
		"negative expand":   func(c *Config) { c.Table[3].ExpandRatio = -6 },
		"zero classes":      func(c *Config) { c.NumClasses = 0 },
		"zero width":        func(c *Config) { c.WidthMultiplier = 0 },
		"unset act bits":    func(c *Config) { c.InternalActBits = 0 },
		"unset first bits":  func(c *Config) { c.FirstLayerWeightBits = 0 },
		"oversized bias":    func(c *Config) { c.BiasBits = 64 },
		"zero divisor":      func(c *Config) { c.Divisor = 0 },
		"zero act max":      func(c *Config) { c.ActMaxVal = 0 },
		"zero input chans":  func(c *Config) { c.InputChannels = 0 },
		"zero last channel": func(c *Config) { c.LastChannels = 0 },
	}
	for name, mutate := range tests {
		cfg := DefaultConfig(10)
		mutate(&cfg)
		_, err := BuildPlan(cfg)
		require.ErrorIs(t, err, quant.ErrConfiguration, name)
	}
}

func TestPlanValidateRejectsBrokenContinuity(t *testing.T) {
	t.Parallel()
	base := Plan{
		StemChannels: 16,
		LastChannels: 64,
		Blocks: []BlockSpec{
			{Name: "features.1", Stage: 0, Index: 0, In: 16, Out: 24, Stride: 2, ExpandRatio: 6},
			{Name: "features.2", Stage: 0, Index: 1, In: 24, Out: 24, Stride: 1, ExpandRatio: 6, Residual: true},
		},
	}
	require.NoError(t, base.Validate())

	tests := map[string]func(*Plan){
		"input does not follow": func(p *Plan) { p.Blocks[1].In = 16; p.Blocks[1].Residual = false },
		"repeat changes width":  func(p *Plan) { p.Blocks[1].Out = 32; p.Blocks[1].Residual = false },
		"repeat strides":        func(p *Plan) { p.Blocks[1].Stride = 2; p.Blocks[1].Residual = false },
		"false residual claim":  func(p *Plan) { p.Blocks[0].Residual = true },
		"missing residual":      func(p *Plan) { p.Blocks[1].Residual = false },
		"stem mismatch":         func(p *Plan) { p.StemChannels = 8 },
	}
	for name, mutate := range tests {
		p := base
		p.Blocks = append([]BlockSpec(nil), base.Blocks...)
		mutate(&p)
		err := p.Validate()
		require.ErrorIs(t, err, quant.ErrConfiguration, name)
		require.ErrorIs(t, err, quant.ErrShape, name)
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(`
num_classes: 10
width_multiplier: 0.5
round_average_pool: true
internal_weight_bits: 2
table:
  - {expand_ratio: 1, channels: 16, repeats: 1, stride: 1}
  - {expand_ratio: 4.5, channels: 24, repeats: 2, stride: 2}
`))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.NumClasses)
	require.Equal(t, 0.5, cfg.WidthMultiplier)
	require.True(t, cfg.RoundAveragePool)
	require.Equal(t, 2, cfg.InternalWeightBits)
	require.Equal(t, 8, cfg.FirstLayerWeightBits, "unset fields keep defaults")
	require.Len(t, cfg.Table, 2)
	require.Equal(t, 4.5, cfg.Table[1].ExpandRatio)

	_, err = ParseConfig([]byte("num_classes: 10\ninternal_act_bits: 0\n"))
	require.ErrorIs(t, err, quant.ErrUnresolvedBitWidth)

	_, err = ParseConfig([]byte("num_classes: 10\ninternal_act_bits: 32\n"))
	require.ErrorIs(t, err, quant.ErrConfiguration)

	cfg, err = ParseConfig([]byte("num_classes: 10\nbias_bits: 32\ninternal_weight_bits: 32\n"))
	require.NoError(t, err)
	require.Equal(t, 32, cfg.InternalWeightBits)

	_, err = ParseConfig([]byte("num_classes: ["))
	require.Error(t, err)
}
