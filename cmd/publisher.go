package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentpipe/internal/api"
	"agentpipe/internal/config"
	"agentpipe/internal/domain"
	"agentpipe/internal/infra/redisbus"
	"agentpipe/internal/infra/redisstate"
	"agentpipe/internal/metrics"
	"agentpipe/internal/platform"
	"agentpipe/internal/publisher"
)

func publisherCmd() *cobra.Command {
	var healthAddr string
	var command = &cobra.Command{
		Use:   "publisher",
		Short: "Start the publisher scheduling engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()

			profiles, err := publisher.LoadProfiles(cfg.Publisher.ProfilesJSON)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := redisstate.Connect(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			bus := redisbus.NewWithRedis(rdb, cfg.Bus)
			store := redisstate.NewTaskStore(rdb)
			registry := redisstate.NewRegistry(rdb, cfg.Heartbeat.Interval, cfg.Heartbeat.TTL())
			posts := redisstate.NewPostStore(rdb, cfg.Publisher.BenchmarkWindow)
			limiter := redisstate.NewRateLimiter(rdb, profiles)
			mc := metrics.New(nil)

			// Swap in real network adapters by deploying a build that
			// registers them here.
			platforms := platform.SimulatedSet(profiles)

			engine := publisher.NewEngine(bus, store, registry, posts, limiter, platforms, profiles, mc, cfg.Publisher, cfg.Heartbeat.Interval, log.Logger)

			health := api.NewHealthServer("publisher", []domain.TaskType{domain.TypePublish})
			health.AddCheck("redis", api.RedisCheck(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
			go health.Serve(ctx, healthAddr)

			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	command.Flags().StringVar(&healthAddr, "health-addr", ":8083", "Health endpoint listen address")
	return command
}
