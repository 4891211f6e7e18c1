package qnet

// LayerSummary describes one layer for reporting.
type LayerSummary struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	In         int    `json:"in"`
	Out        int    `json:"out"`
	Kernel     int    `json:"kernel,omitempty"`
	Stride     int    `json:"stride,omitempty"`
	Groups     int    `json:"groups,omitempty"`
	Weight     string `json:"weight,omitempty"`
	Activation string `json:"activation,omitempty"`
	Residual   bool   `json:"residual,omitempty"`
	Params     int    `json:"params"`
}

// Summary lists every layer in evaluation order.
func (n *Network) Summary() []LayerSummary {
	var out []LayerSummary
	out = append(out, convSummary(n.Stem, "stem"))
	for _, b := range n.Blocks {
		for _, s := range b.Stages() {
			kind := "pointwise"
			switch {
			case s == b.Depthwise:
				kind = "depthwise"
			case s == b.Project:
				kind = "projection"
			}
			out = append(out, convSummary(s, kind))
		}
		if b.UseResidual() {
			out = append(out, LayerSummary{Name: b.Name + ".add", Kind: "residual", In: b.InChannels, Out: b.OutChannels, Residual: true})
		}
	}
	out = append(out, convSummary(n.Head, "head"))
	pool := "avg_pool"
	if n.Config.RoundAveragePool {
		pool = "avg_pool_round"
	}
	out = append(out, LayerSummary{Name: "pool", Kind: pool, In: n.Plan.LastChannels, Out: n.Plan.LastChannels})
	out = append(out, LayerSummary{
		Name:   "classifier",
		Kind:   "linear",
		In:     n.Plan.LastChannels,
		Out:    n.Config.NumClasses,
		Weight: n.classifierDesc.String(),
		Params: len(n.ClassifierWeight) + len(n.ClassifierBias),
	})
	return out
}

func convSummary(b *ConvBlock, kind string) LayerSummary {
	s := LayerSummary{
		Name:   b.Name,
		Kind:   kind,
		In:     b.InChannels,
		Out:    b.OutChannels,
		Kernel: b.KernelSize,
		Stride: b.Params.Stride,
		Groups: b.Params.Groups,
		Weight: b.WeightDesc.String(),
	}
	if b.Act != nil {
		s.Activation = b.Act.Desc.String()
	}
	for _, p := range b.Parameters() {
		if p.Trainable() {
			s.Params += len(p.Data)
		}
	}
	return s
}
