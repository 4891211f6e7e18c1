package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qnet/internal/api"
	"github.com/samcharles93/qnet/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the classify API over HTTP",
		Flags: append(networkFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "classify requests per second (0 disables limiting)",
				Value:       20,
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "classify request burst",
				Value:       40,
				Destination: &rateBurst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &rateLimit, &rateBurst)

			n, err := loadNetwork(ctx, cmd)
			if err != nil {
				return err
			}
			server := api.NewServer(n, api.WithRateLimit(rateLimit, int(rateBurst)))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(api.ContextLogger(log))
			server.Register(e)

			log.Info("starting server", "address", addr, "classes", n.Config.NumClasses)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
