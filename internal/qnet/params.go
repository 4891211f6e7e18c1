package qnet

import (
	"fmt"
	"sort"
)

// ParamKind classifies a parameter tensor.
type ParamKind string

const (
	KindWeight      ParamKind = "weight"
	KindBias        ParamKind = "bias"
	KindBNWeight    ParamKind = "bn_weight"
	KindBNBias      ParamKind = "bn_bias"
	KindRunningMean ParamKind = "running_mean"
	KindRunningVar  ParamKind = "running_var"
	KindActScale    ParamKind = "act_scale"
)

// Parameter is a named view of a network tensor. Data aliases the live
// storage: writes through it update the network.
type Parameter struct {
	Name  string
	Kind  ParamKind
	Shape []int
	Data  []float32
}

// Trainable reports whether the parameter receives gradient updates
// (running statistics are updated by the forward pass instead).
func (p Parameter) Trainable() bool {
	return p.Kind != KindRunningMean && p.Kind != KindRunningVar
}

// Parameters lists every parameter in evaluation order.
func (n *Network) Parameters() []Parameter {
	var out []Parameter
	for _, b := range n.ConvBlocks() {
		out = append(out, b.Parameters()...)
	}
	out = append(out,
		Parameter{Name: "classifier.weight", Kind: KindWeight, Shape: []int{n.Config.NumClasses, n.Plan.LastChannels}, Data: n.ClassifierWeight},
		Parameter{Name: "classifier.bias", Kind: KindBias, Shape: []int{n.Config.NumClasses}, Data: n.ClassifierBias},
	)
	return out
}

// NumParameters counts trainable scalars.
func (n *Network) NumParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		if p.Trainable() {
			total += len(p.Data)
		}
	}
	return total
}

// Parameters lists the block's tensors.
func (b *ConvBlock) Parameters() []Parameter {
	k := b.KernelSize
	out := []Parameter{{
		Name:  b.Name + ".conv.weight",
		Kind:  KindWeight,
		Shape: []int{b.OutChannels, b.InChannels / b.Params.Groups, k, k},
		Data:  b.Weight,
	}}
	if b.Bias != nil {
		out = append(out, Parameter{Name: b.Name + ".conv.bias", Kind: KindBias, Shape: []int{b.OutChannels}, Data: b.Bias})
	}
	c := []int{b.OutChannels}
	out = append(out,
		Parameter{Name: b.Name + ".bn.weight", Kind: KindBNWeight, Shape: c, Data: b.BN.Gamma},
		Parameter{Name: b.Name + ".bn.bias", Kind: KindBNBias, Shape: c, Data: b.BN.Beta},
		Parameter{Name: b.Name + ".bn.running_mean", Kind: KindRunningMean, Shape: c, Data: b.BN.RunningMean},
		Parameter{Name: b.Name + ".bn.running_var", Kind: KindRunningVar, Shape: c, Data: b.BN.RunningVar},
	)
	if b.Act != nil {
		out = append(out, Parameter{Name: b.Name + ".act.scale", Kind: KindActScale, Shape: []int{len(b.Act.Scale)}, Data: b.Act.Scale})
	}
	return out
}

// LoadParameters copies values from src into the network. Every parameter
// must be present with a matching element count; unknown names in src are
// reported as well so mismatched architectures fail loudly.
func (n *Network) LoadParameters(src map[string][]float32) error {
	params := n.Parameters()
	known := make(map[string]struct{}, len(params))
	for _, p := range params {
		known[p.Name] = struct{}{}
		v, ok := src[p.Name]
		if !ok {
			return fmt.Errorf("load parameters: missing %s", p.Name)
		}
		if len(v) != len(p.Data) {
			return fmt.Errorf("load parameters: %s has %d values, want %d", p.Name, len(v), len(p.Data))
		}
	}
	var extra []string
	for name := range src {
		if _, ok := known[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("load parameters: unexpected tensors %v", extra)
	}
	for _, p := range params {
		copy(p.Data, src[p.Name])
	}
	return nil
}
