package qops

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

const (
	DefaultBNEps      = 1e-5
	DefaultBNMomentum = 0.1
)

// BatchNorm is a standard (unquantized) 2D batch normalization with
// affine parameters and running statistics.
type BatchNorm struct {
	Channels    int
	Gamma       []float32
	Beta        []float32
	RunningMean []float32
	RunningVar  []float32
	Eps         float64
	Momentum    float64
	// Training switches Forward to batch statistics and updates the
	// running estimates.
	Training bool
}

// NewBatchNorm returns an identity-initialised batch norm.
func NewBatchNorm(channels int) (*BatchNorm, error) {
	if channels <= 0 {
		return nil, quant.ConfigErrorf("batch norm channels must be positive, got %d", channels)
	}
	bn := &BatchNorm{
		Channels:    channels,
		Gamma:       make([]float32, channels),
		Beta:        make([]float32, channels),
		RunningMean: make([]float32, channels),
		RunningVar:  make([]float32, channels),
		Eps:         DefaultBNEps,
		Momentum:    DefaultBNMomentum,
	}
	for c := 0; c < channels; c++ {
		bn.Gamma[c] = 1
		bn.RunningVar[c] = 1
	}
	return bn, nil
}

// Forward normalises x in place and returns it.
func (bn *BatchNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	s := x.Shape
	if s.C != bn.Channels {
		return nil, quant.ShapeErrorf("batch norm expects %d channels, got %s", bn.Channels, s)
	}
	mean, variance := bn.RunningMean, bn.RunningVar
	if bn.Training {
		mean, variance = bn.batchStats(x)
	}
	for c := 0; c < s.C; c++ {
		inv := 1 / math.Sqrt(float64(variance[c])+bn.Eps)
		scale := float32(float64(bn.Gamma[c]) * inv)
		shift := bn.Beta[c] - mean[c]*scale
		for n := 0; n < s.N; n++ {
			plane := x.Plane(n, c)
			for i, v := range plane {
				plane[i] = v*scale + shift
			}
		}
	}
	return x, nil
}

// batchStats computes per-channel population statistics for normalisation
// and folds the unbiased variance into the running estimates.
func (bn *BatchNorm) batchStats(x *tensor.Tensor) ([]float32, []float32) {
	s := x.Shape
	count := s.N * s.H * s.W
	buf := make([]float64, 0, count)
	mean := make([]float32, s.C)
	variance := make([]float32, s.C)
	m := bn.Momentum
	for c := 0; c < s.C; c++ {
		buf = buf[:0]
		for n := 0; n < s.N; n++ {
			for _, v := range x.Plane(n, c) {
				buf = append(buf, float64(v))
			}
		}
		mu, popVar := stat.PopMeanVariance(buf, nil)
		mean[c] = float32(mu)
		variance[c] = float32(popVar)
		unbiased := popVar
		if count > 1 {
			unbiased = popVar * float64(count) / float64(count-1)
		}
		bn.RunningMean[c] = float32((1-m)*float64(bn.RunningMean[c]) + m*mu)
		bn.RunningVar[c] = float32((1-m)*float64(bn.RunningVar[c]) + m*unbiased)
	}
	return mean, variance
}
