package qops

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

// ConvParams are the geometry parameters of a 2D convolution.
type ConvParams struct {
	Stride  int
	Padding int
	Groups  int
}

// OutputSize is the standard convolution arithmetic for one spatial axis.
func OutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// Validate checks p against the channel counts and kernel size.
func (p ConvParams) Validate(inC, outC, kernel int) error {
	switch {
	case kernel <= 0:
		return quant.ConfigErrorf("kernel size must be positive, got %d", kernel)
	case inC <= 0 || outC <= 0:
		return quant.ConfigErrorf("channel counts must be positive, got in=%d out=%d", inC, outC)
	case p.Stride <= 0:
		return quant.ConfigErrorf("stride must be positive, got %d", p.Stride)
	case p.Padding < 0:
		return quant.ConfigErrorf("padding must be non-negative, got %d", p.Padding)
	case p.Groups <= 0:
		return quant.ConfigErrorf("groups must be positive, got %d", p.Groups)
	case inC%p.Groups != 0 || outC%p.Groups != 0:
		return quant.ConfigErrorf("channels in=%d out=%d not divisible by groups=%d", inC, outC, p.Groups)
	}
	return nil
}

// Conv2D convolves x with w laid out as [outC][inC/groups][k][k]. bias may be nil.
// Output planes are computed concurrently; each plane is written by exactly one
// goroutine in a fixed accumulation order, so results are deterministic.
func Conv2D(ctx context.Context, x *tensor.Tensor, w []float32, outC, k int, p ConvParams, bias []float32) (*tensor.Tensor, error) {
	in := x.Shape
	if !in.Valid() || len(x.Data) != in.Numel() {
		return nil, quant.ShapeErrorf("conv input %s does not match %d values", in, len(x.Data))
	}
	if err := p.Validate(in.C, outC, k); err != nil {
		return nil, err
	}
	icg := in.C / p.Groups
	ocg := outC / p.Groups
	if len(w) != outC*icg*k*k {
		return nil, quant.ShapeErrorf("conv weight has %d values, want %d", len(w), outC*icg*k*k)
	}
	if bias != nil && len(bias) != outC {
		return nil, quant.ShapeErrorf("conv bias has %d values, want %d", len(bias), outC)
	}
	oh := OutputSize(in.H, k, p.Stride, p.Padding)
	ow := OutputSize(in.W, k, p.Stride, p.Padding)
	if oh <= 0 || ow <= 0 {
		return nil, quant.ShapeErrorf("input %s too small for kernel %d stride %d padding %d", in, k, p.Stride, p.Padding)
	}

	out := tensor.New(tensor.Shape{N: in.N, C: outC, H: oh, W: ow})
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for n := 0; n < in.N; n++ {
		for oc := 0; oc < outC; oc++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				dst := out.Plane(n, oc)
				if bias != nil {
					for i := range dst {
						dst[i] = bias[oc]
					}
				}
				first := (oc / ocg) * icg
				for ic := 0; ic < icg; ic++ {
					kern := w[(oc*icg+ic)*k*k : (oc*icg+ic+1)*k*k]
					convPlane(dst, x.Plane(n, first+ic), kern, in.H, in.W, oh, ow, k, p.Stride, p.Padding)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func convPlane(dst, src, kern []float32, h, w, oh, ow, k, stride, pad int) {
	for ky := 0; ky < k; ky++ {
		for kx := 0; kx < k; kx++ {
			wv := kern[ky*k+kx]
			for oy := 0; oy < oh; oy++ {
				iy := oy*stride + ky - pad
				if iy < 0 || iy >= h {
					continue
				}
				row := src[iy*w : (iy+1)*w]
				drow := dst[oy*ow : (oy+1)*ow]
				for ox := 0; ox < ow; ox++ {
					ix := ox*stride + kx - pad
					if ix < 0 || ix >= w {
						continue
					}
					drow[ox] += wv * row[ix]
				}
			}
		}
	}
}
