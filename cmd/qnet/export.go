package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qnet/internal/logger"
	"github.com/samcharles93/qnet/internal/safetensors"
)

func exportCmd() *cli.Command {
	var (
		outPath    string
		dtype      string
		configPath string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write network parameters to a safetensors file",
		Flags: append(networkFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "storage type (f32, f16)",
				Value:       "f32",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "config-out",
				Usage:       "also write the network config YAML to this path",
				Destination: &configPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			dt := strings.ToUpper(dtype)
			if dt != safetensors.DTypeF32 && dt != safetensors.DTypeF16 {
				return fmt.Errorf("unsupported --dtype %q (want f32 or f16)", dtype)
			}
			n, err := loadNetwork(ctx, cmd)
			if err != nil {
				return err
			}

			params := n.Parameters()
			entries := make([]safetensors.Entry, 0, len(params))
			for _, p := range params {
				entries = append(entries, safetensors.Entry{Name: p.Name, Shape: p.Shape, Data: p.Data})
			}
			meta := map[string]string{
				"format":           "qnet",
				"num_classes":      strconv.Itoa(n.Config.NumClasses),
				"width_multiplier": strconv.FormatFloat(n.Config.WidthMultiplier, 'g', -1, 64),
			}
			if err := safetensors.Write(outPath, entries, dt, meta); err != nil {
				return err
			}
			log.Info("exported parameters", "path", outPath, "tensors", len(entries), "dtype", dt)

			if configPath != "" {
				b, err := yaml.Marshal(n.Config)
				if err != nil {
					return err
				}
				if err := os.WriteFile(configPath, b, 0o644); err != nil {
					return err
				}
				log.Info("wrote network config", "path", configPath)
			}
			return nil
		},
	}
}
