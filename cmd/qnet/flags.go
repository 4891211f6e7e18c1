package main

import "github.com/urfave/cli/v3"

var (
	networkConfigPath string
	weightsPath       string
	numClasses        int64
	seed              int64
	logLevel          string
	logFormat         string
	debug             bool
)

func networkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a network config YAML (defaults to standard MobileNetV2)",
			Destination: &networkConfigPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a .safetensors file produced by export",
			Destination: &weightsPath,
		},
		&cli.Int64Flag{
			Name:        "num-classes",
			Usage:       "override the number of output classes",
			Destination: &numClasses,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter initialisation seed",
			Value:       1,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
