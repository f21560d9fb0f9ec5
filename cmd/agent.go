// cmd/agent.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/citadel-fabric/internal/agent"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/points"
)

var (
	agentServerURL string
	agentClientID  string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect this machine to a control plane as a compute node",
	Long: `Connects to a control plane, registers this machine and reports a heartbeat
every interval with CPU, memory, disk, network and GPU usage. GPUs are read
with nvidia-smi when it is installed.

Dispatched tasks run through the built-in handlers; "echo" returns its input
and is used for connectivity checks. The agent reconnects with exponential
backoff whenever the connection drops.

The client id defaults to a hash of the machine id, primary MAC address and
hostname, so it is stable across restarts.`,
	Example: `  # Connect over TCP
  citadel-fabric agent --server tcp://fabric.internal:7450

  # Connect over WebSocket with a fixed client id
  citadel-fabric agent --server wss://fabric.example.com/ws --client-id c0ffee0102030405060708090a0b0c0d`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentServerURL, "server", "", "control plane URL: tcp://host:port or ws(s)://host/ws (overrides config)")
	agentCmd.Flags().StringVar(&agentClientID, "client-id", "", "32 hex digit client id (default: derived from the machine id)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if agentServerURL != "" {
		cfg.Agent.ServerURL = agentServerURL
	}
	if agentClientID != "" {
		cfg.Agent.ClientID = agentClientID
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}
	log := newLogger(cfg, cmd, args)

	opts, err := cfg.AgentOptions(Version)
	if err != nil {
		return err
	}

	var probe agent.DeviceProbe = agent.DefaultProbe()
	if cfg.Agent.NvidiaSMIPath != "" {
		probe = &agent.NvidiaSMI{Path: cfg.Agent.NvidiaSMIPath}
	}

	var catalog *points.Snapshot
	if path := cfg.Points.DeviceTypesFile; path != "" {
		types, err := points.LoadDeviceTypesFile(path)
		if err != nil {
			return fmt.Errorf("load device types: %w", err)
		}
		catalog = points.NewSnapshot(types)
	}

	collector := agent.NewCollector(agent.CollectorConfig{
		ClientID: opts.ClientID,
		Probe:    probe,
		Catalog:  catalog,
		DiskPath: cfg.Agent.DiskPath,
	}, observability.Component(log, "collector"))

	mux := agent.NewMux()
	mux.RegisterFunc("echo", agent.EchoHandler)

	ctx, stop := signalContext()
	defer stop()

	log.Info().
		Str("server", opts.ServerURL).
		Str("client_id", opts.ClientID.String()).
		Str("hostname", opts.Hostname).
		Msg("agent starting")
	return agent.New(opts, collector, mux, observability.Component(log, "agent")).Run(ctx)
}
