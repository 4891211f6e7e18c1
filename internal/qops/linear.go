package qops

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

// LinearResult is the output of a quantized fully-connected layer.
type LinearResult struct {
	Logits tensor.Mat
	// Bias is the integer bias actually applied, nil when the layer has none.
	Bias *quant.QuantTensor
	// Scales are the implied output scales (input scale × weight scale).
	Scales []float32
}

// Linear computes x·Wᵀ + b. x is flattened per batch row; w holds the
// quantized [out][in] weights. The bias is quantized with biasDesc against
// the implied scale input·weight, which requires a quantized input. A
// per-channel input grid contributes its largest scale.
func Linear(ctx context.Context, x Value, w quant.QuantTensor, outF int, bias []float32, biasDesc quant.Descriptor) (LinearResult, error) {
	s := x.T.Shape
	inF := s.C * s.H * s.W
	if outF <= 0 || len(w.Values) != outF*inF {
		return LinearResult{}, quant.ShapeErrorf("linear weight has %d values, want %d×%d", len(w.Values), outF, inF)
	}
	if w.Channels != 1 && w.Channels != outF {
		return LinearResult{}, quant.ShapeErrorf("linear weight carries %d scales for %d outputs", w.Channels, outF)
	}

	res := LinearResult{Logits: tensor.NewMat(s.N, outF), Scales: make([]float32, outF)}
	var biasVals []float32
	if bias != nil {
		if len(bias) != outF {
			return LinearResult{}, quant.ShapeErrorf("linear bias has %d values, want %d", len(bias), outF)
		}
		if !x.Quantized() {
			return LinearResult{}, quant.ConfigErrorf("integer bias needs a quantized input")
		}
		in := x.MaxScale()
		for o := range res.Scales {
			res.Scales[o] = in * w.Scale(o)
		}
		qb, err := quant.QuantizeWithScales(bias, res.Scales, func(i int) int { return i }, biasDesc)
		if err != nil {
			return LinearResult{}, err
		}
		res.Bias = &qb
		biasVals = qb.Values
	} else if x.Quantized() {
		in := x.MaxScale()
		for o := range res.Scales {
			res.Scales[o] = in * w.Scale(o)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for n := 0; n < s.N; n++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := x.T.Data[n*inF : (n+1)*inF]
			dst := res.Logits.Row(n)
			for o := 0; o < outF; o++ {
				v := tensor.Dot(row, w.Values[o*inF:(o+1)*inF])
				if biasVals != nil {
					v += biasVals[o]
				}
				dst[o] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return LinearResult{}, err
	}
	return res, nil
}
