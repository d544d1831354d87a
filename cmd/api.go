package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentpipe/internal/api"
	"agentpipe/internal/config"
	"agentpipe/internal/infra/redisbus"
	"agentpipe/internal/infra/redisstate"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start the trigger and inspection API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()
			ctx := context.Background()

			rdb, err := redisstate.Connect(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			bus := redisbus.NewWithRedis(rdb, cfg.Bus)
			store := redisstate.NewTaskStore(rdb)
			registry := redisstate.NewRegistry(rdb, cfg.Heartbeat.Interval, cfg.Heartbeat.TTL())

			log.Info().Int("port", port).Msg("starting API server")
			server := api.NewServer(bus, store, bus, registry)
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
