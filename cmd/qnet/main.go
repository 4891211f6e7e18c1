package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qnet/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "qnet",
		Usage: "Quantization-aware MobileNetV2 toolkit",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig()
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)
			if debug {
				logLevel = "debug"
			}
			log, err := logger.Setup(os.Stderr, logFormat, logLevel)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			summaryCmd(),
			classifyCmd(),
			exportCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}
