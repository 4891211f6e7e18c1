package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qnet/internal/logger"
	"github.com/samcharles93/qnet/internal/qnet"
	"github.com/samcharles93/qnet/internal/safetensors"
)

// loadNetwork builds the network described by the network flags and,
// when --weights is given, replaces its parameters from the checkpoint.
func loadNetwork(ctx context.Context, cmd *cli.Command) (*qnet.Network, error) {
	applyNetworkConfig(cmd, fileConfig)
	log := logger.FromContext(ctx)

	cfg := qnet.DefaultConfig(1000)
	if networkConfigPath != "" {
		var err error
		if cfg, err = qnet.LoadConfig(networkConfigPath); err != nil {
			return nil, err
		}
	}
	if cmd.IsSet("num-classes") {
		cfg.NumClasses = int(numClasses)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	n, err := qnet.New(ctx, cfg, qnet.WithSeed(seed))
	if err != nil {
		return nil, err
	}
	if weightsPath == "" {
		log.Debug("using seeded parameters", "seed", seed)
		return n, nil
	}

	f, err := safetensors.Open(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()
	params, err := f.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	if err := n.LoadParameters(params); err != nil {
		return nil, fmt.Errorf("load %s: %w", weightsPath, err)
	}
	log.Info("loaded weights", "path", weightsPath, "tensors", len(params))
	return n, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
