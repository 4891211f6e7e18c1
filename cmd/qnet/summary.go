package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qnet/internal/qnet"
)

type summaryOutput struct {
	Config     qnet.Config         `json:"config"`
	Parameters int                 `json:"parameters"`
	Layers     []qnet.LayerSummary `json:"layers"`
}

func summaryCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "summary",
		Usage: "Print the layer plan of a network",
		Flags: append(networkFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit JSON instead of a table",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			n, err := loadNetwork(ctx, cmd)
			if err != nil {
				return err
			}
			w := stdout(cmd)
			layers := n.Summary()
			if asJSON {
				b, err := json.MarshalIndent(summaryOutput{Config: n.Config, Parameters: n.NumParameters(), Layers: layers}, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, string(b))
				return err
			}

			table := tablewriter.NewWriter(w)
			table.SetHeader([]string{"NAME", "KIND", "IN", "OUT", "K", "S", "G", "WEIGHT", "ACTIVATION", "PARAMS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, l := range layers {
				table.Append([]string{
					l.Name, l.Kind,
					strconv.Itoa(l.In), strconv.Itoa(l.Out),
					blankZero(l.Kernel), blankZero(l.Stride), blankZero(l.Groups),
					l.Weight, l.Activation,
					strconv.Itoa(l.Params),
				})
			}
			table.Render()
			_, err = fmt.Fprintf(w, "\n%d layers, %d trainable parameters, width %g, %d classes\n",
				len(layers), n.NumParameters(), n.Config.WidthMultiplier, n.Config.NumClasses)
			return err
		},
	}
}

func blankZero(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
