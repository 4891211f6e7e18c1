package qnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qnet/internal/qops"
	"github.com/samcharles93/qnet/internal/tensor"
	"github.com/samcharles93/qnet/pkg/quant"
)

func TestInvertedResidualUseResidual(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, out, stride int
		want            bool
	}{
		{in: 16, out: 16, stride: 1, want: true},
		{in: 16, out: 24, stride: 1, want: false},
		{in: 16, out: 16, stride: 2, want: false},
		{in: 24, out: 16, stride: 2, want: false},
	}
	for _, tt := range tests {
		r, err := NewInvertedResidual("ir", tt.in, tt.out, tt.stride, 6, 4, 4)
		require.NoError(t, err)
		require.Equal(t, tt.want, r.UseResidual(), "in=%d out=%d stride=%d", tt.in, tt.out, tt.stride)
	}
}

func TestInvertedResidualStages(t *testing.T) {
	t.Parallel()
	r, err := NewInvertedResidual("ir", 16, 16, 1, 1, 4, 4)
	require.NoError(t, err)
	require.Nil(t, r.Expand)
	require.Len(t, r.Stages(), 2)
	require.Equal(t, 16, r.Depthwise.Params.Groups)

	r, err = NewInvertedResidual("ir", 10, 12, 2, 2.5, 4, 4)
	require.NoError(t, err)
	require.Equal(t, 25, r.Hidden)
	require.Len(t, r.Stages(), 3)
	require.Equal(t, "ir.conv.0", r.Expand.Name)
	require.Equal(t, "ir.conv.1", r.Depthwise.Name)
	require.Equal(t, "ir.conv.2", r.Project.Name)
	require.Equal(t, 25, r.Depthwise.Params.Groups)
	require.Equal(t, 2, r.Depthwise.Params.Stride)
	require.Equal(t, 3, r.Depthwise.KernelSize)
	require.True(t, r.Project.Linear())
	require.False(t, r.Expand.Linear())
}

func TestInvertedResidualRejectsBadConfig(t *testing.T) {
	t.Parallel()
	for _, stride := range []int{0, 3, -1} {
		_, err := NewInvertedResidual("ir", 8, 8, stride, 6, 4, 4)
		require.ErrorIs(t, err, quant.ErrConfiguration)
	}
	_, err := NewInvertedResidual("ir", 8, 8, 1, 0, 4, 4)
	require.ErrorIs(t, err, quant.ErrConfiguration)
	_, err = NewInvertedResidual("ir", 8, 8, 1, 0.01, 4, 4)
	require.ErrorIs(t, err, quant.ErrConfiguration)
	_, err = NewInvertedResidual("ir", 8, 8, 1, 6, 0, 4)
	require.ErrorIs(t, err, quant.ErrUnresolvedBitWidth)
}

func TestInvertedResidualAddsInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := NewInvertedResidual("ir", 8, 8, 1, 6, 4, 4)
	require.NoError(t, err)

	x := qops.Float(randInput(t, tensor.Shape{N: 2, C: 8, H: 5, W: 5}, 7))
	before := x.T.Clone()
	out, err := r.Forward(ctx, x)
	require.NoError(t, err)
	require.Equal(t, before.Data, x.T.Data, "input must not be modified")

	path := x
	for _, s := range r.Stages() {
		path, err = s.Forward(ctx, path)
		require.NoError(t, err)
	}
	require.Equal(t, x.T.Shape, out.T.Shape)
	for i := range out.T.Data {
		require.InDelta(t, x.T.Data[i], out.T.Data[i]-path.T.Data[i], 1e-5)
	}
}

func TestInvertedResidualWithoutShortcut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := NewInvertedResidual("ir", 8, 12, 2, 6, 4, 4)
	require.NoError(t, err)
	x := qops.Float(randInput(t, tensor.Shape{N: 1, C: 8, H: 6, W: 6}, 8))
	out, err := r.Forward(ctx, x)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{N: 1, C: 12, H: 3, W: 3}, out.T.Shape)

	path := x
	for _, s := range r.Stages() {
		path, err = s.Forward(ctx, path)
		require.NoError(t, err)
	}
	require.Equal(t, path.T.Data, out.T.Data)
}
