package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentpipe/internal/api"
	"agentpipe/internal/config"
	"agentpipe/internal/infra/redisbus"
	"agentpipe/internal/infra/redisstate"
	"agentpipe/internal/metrics"
	"agentpipe/internal/orchestrator"
)

func orchestratorCmd() *cobra.Command {
	var healthPort string
	var command = &cobra.Command{
		Use:   "orchestrator",
		Short: "Start the pipeline orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := redisstate.Connect(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			bus := redisbus.NewWithRedis(rdb, cfg.Bus)
			store := redisstate.NewTaskStore(rdb)
			registry := redisstate.NewRegistry(rdb, cfg.Heartbeat.Interval, cfg.Heartbeat.TTL())
			mc := metrics.New(nil)

			// Delayed redeliveries need exactly one mover per deployment;
			// it rides along with the orchestrator.
			mover := redisbus.NewMover(bus, time.Second)
			go func() {
				if err := mover.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("mover stopped with error")
				}
			}()

			health := api.NewHealthServer("orchestrator", nil)
			health.AddCheck("redis", api.RedisCheck(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
			go health.Serve(ctx, healthPort)

			orc := orchestrator.New(bus, store, registry, mc, cfg.Orchestrator, log.Logger)
			return orc.Run(ctx)
		},
	}

	command.Flags().StringVar(&healthPort, "health-addr", ":8081", "Health endpoint listen address")
	return command
}
