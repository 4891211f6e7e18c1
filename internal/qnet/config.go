// Package qnet assembles the quantization-aware MobileNetV2: quantized
// convolution blocks, inverted residual blocks and the network that stacks
// them from a validated configuration table.
package qnet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qnet/pkg/quant"
)

// Stage is one row of the configuration table: Repeats blocks producing
// Channels outputs, the first of which uses Stride.
type Stage struct {
	ExpandRatio float64 `yaml:"expand_ratio" json:"expand_ratio"`
	Channels    int     `yaml:"channels" json:"channels"`
	Repeats     int     `yaml:"repeats" json:"repeats"`
	Stride      int     `yaml:"stride" json:"stride"`
}

// Config describes a network. Channel counts are the unscaled values; the
// width multiplier is applied when the plan is built.
type Config struct {
	NumClasses       int     `yaml:"num_classes" json:"num_classes"`
	WidthMultiplier  float64 `yaml:"width_multiplier" json:"width_multiplier"`
	RoundAveragePool bool    `yaml:"round_average_pool" json:"round_average_pool"`

	InputChannels int `yaml:"input_channels" json:"input_channels"`
	BaseChannels  int `yaml:"base_channels" json:"base_channels"`
	LastChannels  int `yaml:"last_channels" json:"last_channels"`
	Divisor       int `yaml:"divisor" json:"divisor"`

	// Bit widths. None of them has an implicit fallback; zero is rejected.
	FirstLayerWeightBits int `yaml:"first_layer_weight_bits" json:"first_layer_weight_bits"`
	InternalWeightBits   int `yaml:"internal_weight_bits" json:"internal_weight_bits"`
	InternalActBits      int `yaml:"internal_act_bits" json:"internal_act_bits"`
	LastLayerWeightBits  int `yaml:"last_layer_weight_bits" json:"last_layer_weight_bits"`
	BiasBits             int `yaml:"bias_bits" json:"bias_bits"`

	ActMaxVal     float64 `yaml:"act_max_val" json:"act_max_val"`
	ActPerChannel bool    `yaml:"act_per_channel" json:"act_per_channel"`

	Table []Stage `yaml:"table" json:"table"`
}

// DefaultTable is the MobileNetV2 (t, c, n, s) table.
func DefaultTable() []Stage {
	return []Stage{
		{ExpandRatio: 1, Channels: 16, Repeats: 1, Stride: 1},
		{ExpandRatio: 6, Channels: 24, Repeats: 2, Stride: 2},
		{ExpandRatio: 6, Channels: 32, Repeats: 3, Stride: 2},
		{ExpandRatio: 6, Channels: 64, Repeats: 4, Stride: 2},
		{ExpandRatio: 6, Channels: 96, Repeats: 3, Stride: 1},
		{ExpandRatio: 6, Channels: 160, Repeats: 3, Stride: 2},
		{ExpandRatio: 6, Channels: 320, Repeats: 1, Stride: 1},
	}
}

// DefaultConfig returns the reference 8-bit edges / 4-bit body configuration.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:           numClasses,
		WidthMultiplier:      1.0,
		InputChannels:        3,
		BaseChannels:         32,
		LastChannels:         1280,
		Divisor:              8,
		FirstLayerWeightBits: 8,
		InternalWeightBits:   4,
		InternalActBits:      4,
		LastLayerWeightBits:  8,
		BiasBits:             32,
		ActMaxVal:            6,
		Table:                DefaultTable(),
	}
}

// LoadConfig reads a YAML config. Fields absent from the file keep the
// values of DefaultConfig(1000).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes over DefaultConfig(1000) and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig(1000)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse network config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field that construction depends on.
func (c Config) Validate() error {
	switch {
	case c.NumClasses <= 0:
		return quant.ConfigErrorf("num_classes must be positive, got %d", c.NumClasses)
	case !(c.WidthMultiplier > 0):
		return quant.ConfigErrorf("width_multiplier must be positive, got %g", c.WidthMultiplier)
	case c.InputChannels <= 0:
		return quant.ConfigErrorf("input_channels must be positive, got %d", c.InputChannels)
	case c.BaseChannels <= 0 || c.LastChannels <= 0:
		return quant.ConfigErrorf("base_channels and last_channels must be positive, got %d and %d", c.BaseChannels, c.LastChannels)
	case c.Divisor <= 0:
		return quant.ConfigErrorf("divisor must be positive, got %d", c.Divisor)
	case !(c.ActMaxVal > 0):
		return quant.ConfigErrorf("act_max_val must be positive, got %g", c.ActMaxVal)
	}
	bits := []struct {
		name string
		v    int
		desc quant.Descriptor
	}{
		{"first_layer_weight_bits", c.FirstLayerWeightBits, quant.PerChannelWeight()},
		{"internal_weight_bits", c.InternalWeightBits, quant.PerChannelWeight()},
		{"internal_act_bits", c.InternalActBits, quant.UnsignedActivation()},
		{"last_layer_weight_bits", c.LastLayerWeightBits, quant.PerTensorWeight()},
		{"bias_bits", c.BiasBits, quant.IntBias()},
	}
	for _, b := range bits {
		if b.v <= 0 {
			return quant.ConfigErrorf("%s: %w", b.name, quant.ErrUnresolvedBitWidth)
		}
		if _, err := b.desc.Resolve(b.v); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	if len(c.Table) == 0 {
		return quant.ConfigErrorf("configuration table is empty")
	}
	for i, s := range c.Table {
		switch {
		case !(s.ExpandRatio > 0):
			return quant.ConfigErrorf("table[%d]: expand_ratio must be positive, got %g", i, s.ExpandRatio)
		case s.Channels <= 0:
			return quant.ConfigErrorf("table[%d]: channels must be positive, got %d", i, s.Channels)
		case s.Repeats <= 0:
			return quant.ConfigErrorf("table[%d]: repeats must be positive, got %d", i, s.Repeats)
		case s.Stride != 1 && s.Stride != 2:
			return quant.ConfigErrorf("table[%d]: stride must be 1 or 2, got %d", i, s.Stride)
		}
	}
	return nil
}
