package qops

import (
	"math"

	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

// GlobalAvgPool collapses the spatial dimensions to 1×1.
//
// With round unset it is a plain float mean. With round set, and a quantized
// input, the average is taken over integer codes and rounded back onto the
// input grid, so the result stays representable at the input bit width.
// The incoming scale is carried through in both modes.
func GlobalAvgPool(v Value, round bool) (Value, error) {
	s := v.T.Shape
	if !s.Valid() {
		return Value{}, quant.ShapeErrorf("average pool: invalid input %s", s)
	}
	if round && !v.Quantized() {
		return Value{}, quant.ConfigErrorf("rounding average pool needs a quantized input")
	}
	out := tensor.New(tensor.Shape{N: s.N, C: s.C, H: 1, W: 1})
	hw := float64(s.H * s.W)
	for n := 0; n < s.N; n++ {
		for c := 0; c < s.C; c++ {
			plane := v.T.Plane(n, c)
			var sum float64
			if round {
				scale := float64(v.Scale(c))
				for _, x := range plane {
					sum += math.RoundToEven(float64(x) / scale)
				}
				out.Data[n*s.C+c] = float32(math.Round(sum/hw) * scale)
				continue
			}
			for _, x := range plane {
				sum += float64(x)
			}
			out.Data[n*s.C+c] = float32(sum / hw)
		}
	}
	return Value{T: out, Scales: v.Scales, Bits: v.Bits, Signed: v.Signed}, nil
}
