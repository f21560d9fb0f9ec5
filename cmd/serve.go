// cmd/serve.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/fabric"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
)

var (
	serveTCPAddr  string
	serveHTTPAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept node connections, forward heartbeats and dispatch tasks",
	Long: `Listens for node agents over TCP (length-prefixed frames) and WebSocket
(/ws). Each connection registers, negotiates a protocol version and then
streams heartbeats, which are published to the Redis stream partition of the
node. Tasks are dispatched to registered nodes through the connection registry.

On SIGINT or SIGTERM the server stops accepting, drains open connections for
the configured drain timeout and then closes them.`,
	Example: `  # Listen on the default ports
  citadel-fabric serve

  # Custom listeners
  citadel-fabric serve --tcp :9000 --http :9001`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTCPAddr, "tcp", "", "TCP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http", "", "HTTP/WebSocket listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveTCPAddr != "" {
		cfg.Server.TCPAddr = serveTCPAddr
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg, cmd, args)

	ctx, stop := signalContext()
	defer stop()

	stopTracing, err := startTracing(cfg, log)
	if err != nil {
		return err
	}
	defer stopTracing()

	reg, metrics := newRegistry()

	rb := bus.NewRedis(cfg.Bus())
	if err := rb.Connect(ctx); err != nil {
		return err
	}
	defer rb.Close()
	log.Info().Str("redis", bus.MaskURL(cfg.Redis.URL)).Int("partitions", rb.Partitions()).Msg("connected to bus")

	registry := fabric.NewRegistry(observability.Component(log, "registry"))
	srv := fabric.NewServer(cfg.FabricServer(), registry, rb, reg, observability.Component(log, "server"), metrics)

	// The registry outlives the listeners so shutdown can drain every
	// registered connection.
	regCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()
	go registry.Run(regCtx)

	log.Info().
		Str("tcp", cfg.Server.TCPAddr).
		Str("http", cfg.Server.HTTPAddr).
		Uint8("max_version", cfg.Server.MaxVersion).
		Msg("control plane started")
	err = srv.Run(ctx)
	log.Info().Msg("control plane stopped")
	return err
}
