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

	"agentpipe/internal/agent"
	"agentpipe/internal/api"
	"agentpipe/internal/config"
	"agentpipe/internal/domain"
	"agentpipe/internal/infra/redisbus"
	"agentpipe/internal/infra/redisstate"
	"agentpipe/internal/metrics"
)

func agentCmd() *cobra.Command {
	var (
		agentType  string
		healthAddr string
	)

	var command = &cobra.Command{
		Use:   "agent",
		Short: "Start a pipeline worker agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()

			handlers, err := agent.HandlersFor(domain.AgentType(agentType))
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
			mc := metrics.New(nil)

			runner := agent.NewRunner(domain.AgentType(agentType), handlers, bus, store, registry, mc, cfg.Heartbeat.Interval, log.Logger)

			health := api.NewHealthServer(runner.ID(), runner.Capabilities())
			health.AddCheck("redis", api.RedisCheck(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
			go health.Serve(ctx, healthAddr)

			log.Info().Str("agent_id", runner.ID()).Str("type", agentType).Msg("agent starting")
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	command.Flags().StringVar(&agentType, "type", "monitor", "Agent type: monitor, generator, qc, learner")
	command.Flags().StringVar(&healthAddr, "health-addr", ":8082", "Health endpoint listen address")
	return command
}
