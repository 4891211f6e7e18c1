package quant

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBasePoliciesLeaveBitWidthUnresolved(t *testing.T) {
	t.Parallel()
	policies := map[string]Descriptor{
		"per_tensor_weight":  PerTensorWeight(),
		"per_channel_weight": PerChannelWeight(),
		"signed_act":         SignedActivation(),
		"unsigned_act":       UnsignedActivation(),
		"int_bias":           IntBias(),
	}
	for name, d := range policies {
		if d.Resolved() {
			t.Fatalf("%s: expected unresolved bit width, got %d", name, d.BitWidth)
		}
		if !(d.ScalingFloor > 0) {
			t.Fatalf("%s: scaling floor must be positive, got %g", name, d.ScalingFloor)
		}
		err := d.Validate()
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
		if !errors.Is(err, ErrUnresolvedBitWidth) {
			t.Fatalf("%s: expected unresolved bit width error, got %v", name, err)
		}
	}
}

func TestPerChannelWeightOnlyChangesGranularity(t *testing.T) {
	t.Parallel()
	base := PerTensorWeight()
	derived := PerChannelWeight()
	if derived.Granularity != PerChannel {
		t.Fatalf("granularity: got %q", derived.Granularity)
	}
	derived.Granularity = base.Granularity
	derived.Name = base.Name
	if diff := cmp.Diff(base, derived); diff != "" {
		t.Fatalf("per-channel policy drifted from per-tensor (-base +derived):\n%s", diff)
	}
}

func TestWithOverrideLeavesBaseUntouched(t *testing.T) {
	t.Parallel()
	base := UnsignedActivation()
	got := WithOverride(base, Override{BitWidth: Ptr(4), Restriction: Ptr(RestrictLog2)})
	if base.BitWidth != 0 || base.Restriction != RestrictLinear {
		t.Fatalf("base mutated: %+v", base)
	}
	if got.BitWidth != 4 || got.Restriction != RestrictLog2 || got.Signed {
		t.Fatalf("unexpected override result: %+v", got)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		bits    int
		wantErr bool
	}{
		{bits: 8},
		{bits: 4},
		{bits: 32},
		{bits: 0, wantErr: true},
		{bits: -3, wantErr: true},
		{bits: 33, wantErr: true},
	}
	for _, tt := range tests {
		d, err := PerChannelWeight().Resolve(tt.bits)
		if tt.wantErr {
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("bits=%d: expected configuration error, got %v", tt.bits, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("bits=%d: %v", tt.bits, err)
		}
		if d.BitWidth != tt.bits {
			t.Fatalf("bits=%d: got %d", tt.bits, d.BitWidth)
		}
	}
}

func TestUnsignedBitWidthFitsCodes(t *testing.T) {
	t.Parallel()
	if _, err := UnsignedActivation().Resolve(32); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unsigned 32-bit: expected configuration error, got %v", err)
	}
	d, err := UnsignedActivation().Resolve(31)
	if err != nil {
		t.Fatalf("unsigned 31-bit: %v", err)
	}
	if got := d.Code(1e12, 1); got != math.MaxInt32 {
		t.Fatalf("saturated code = %d, want %d", got, int32(math.MaxInt32))
	}
	if got := d.Code(3, 1); got != 3 {
		t.Fatalf("code = %d, want 3", got)
	}
}

func TestValidateRejectsNonPositiveFloor(t *testing.T) {
	t.Parallel()
	d := WithOverride(PerTensorWeight(), Override{BitWidth: Ptr(8), ScalingFloor: Ptr(0.0)})
	if err := d.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCodeRange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		d        Descriptor
		min, max int64
	}{
		{"signed8 narrow", WithOverride(PerTensorWeight(), Override{BitWidth: Ptr(8)}), -127, 127},
		{"signed8 wide", WithOverride(SignedActivation(), Override{BitWidth: Ptr(8)}), -128, 127},
		{"unsigned4", WithOverride(UnsignedActivation(), Override{BitWidth: Ptr(4)}), 0, 15},
		{"signed32 bias", WithOverride(IntBias(), Override{BitWidth: Ptr(32)}), math.MinInt32, math.MaxInt32},
	}
	for _, tt := range tests {
		if got := tt.d.QMin(); got != tt.min {
			t.Fatalf("%s: qmin got %d want %d", tt.name, got, tt.min)
		}
		if got := tt.d.QMax(); got != tt.max {
			t.Fatalf("%s: qmax got %d want %d", tt.name, got, tt.max)
		}
	}
}

func TestQuantizePerChannelAbsMax(t *testing.T) {
	t.Parallel()
	d, err := PerChannelWeight().Resolve(4)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	x := []float32{0.7, -0.3, 0.1, 1.4, 0.2, -0.6}
	q, err := Quantize(x, 2, d)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if diff := cmp.Diff([]int32{7, -3, 1, 7, 1, -3}, q.Codes); diff != "" {
		t.Fatalf("codes (-want +got):\n%s", diff)
	}
	if math.Abs(float64(q.Scales[0])-0.1) > 1e-6 || math.Abs(float64(q.Scales[1])-0.2) > 1e-6 {
		t.Fatalf("scales: got %v", q.Scales)
	}
	for i, v := range q.Values {
		if math.Abs(float64(v-x[i])) > 1e-6 {
			t.Fatalf("value %d: got %f want %f", i, v, x[i])
		}
	}
	if len(q.Floored) != 0 {
		t.Fatalf("unexpected floored channels %v", q.Floored)
	}
}

func TestQuantizeSaturatesNarrowRange(t *testing.T) {
	t.Parallel()
	d, _ := PerTensorWeight().Resolve(2)
	q, err := Quantize([]float32{-1, 1, -0.2}, 1, d)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	for _, c := range q.Codes {
		if c < -1 || c > 1 {
			t.Fatalf("code %d outside narrow 2-bit range", c)
		}
	}
}

func TestQuantizeZeroChannelHitsFloor(t *testing.T) {
	t.Parallel()
	d, _ := PerChannelWeight().Resolve(8)
	q, err := Quantize([]float32{1, -1, 0, 0}, 2, d)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if diff := cmp.Diff([]int{1}, q.Floored); diff != "" {
		t.Fatalf("floored (-want +got):\n%s", diff)
	}
	if q.Scales[1] != float32(DefaultScalingFloor) {
		t.Fatalf("floored scale: got %g", q.Scales[1])
	}
}

func TestQuantizeChannelMismatch(t *testing.T) {
	t.Parallel()
	d, _ := PerChannelWeight().Resolve(8)
	if _, err := Quantize(make([]float32, 5), 2, d); !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
	if _, err := Quantize(make([]float32, 4), 0, d); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestQuantizeUnresolvedFails(t *testing.T) {
	t.Parallel()
	if _, err := Quantize([]float32{1}, 1, PerTensorWeight()); !errors.Is(err, ErrUnresolvedBitWidth) {
		t.Fatalf("expected unresolved bit width error, got %v", err)
	}
}

func TestLog2Restriction(t *testing.T) {
	t.Parallel()
	d := WithOverride(SignedActivation(), Override{BitWidth: Ptr(8), Restriction: Ptr(RestrictLog2)})
	s, floored := d.EffectiveScale(0.3)
	if floored {
		t.Fatal("0.3 should not be floored")
	}
	if s != 0.25 {
		t.Fatalf("log2 scale: got %g want 0.25", s)
	}
}

func TestQuantizeWithScalesPerChannel(t *testing.T) {
	t.Parallel()
	d := WithOverride(UnsignedActivation(), Override{BitWidth: Ptr(2), Granularity: Ptr(PerChannel)})
	x := []float32{0.9, -1, 5, 2}
	// two elements per channel
	q, err := QuantizeWithScales(x, []float32{0.5, 1}, func(i int) int { return i / 2 }, d)
	if err != nil {
		t.Fatalf("QuantizeWithScales: %v", err)
	}
	if diff := cmp.Diff([]int32{2, 0, 3, 2}, q.Codes); diff != "" {
		t.Fatalf("codes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 0, 3, 2}, q.Values); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}
