package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/raskyld/caphub"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		nodeID      string
		localSocket string
		bindAddr    string
		port        int
		streamPort  int
		neighbours  []string
		devices     []string
		echoes      []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if flags.Changed("local-socket") {
				cfg.LocalSocket = &localSocket
			}
			if flags.Changed("listen") {
				cfg.Network.Enabled = true
				cfg.Network.BindAddr = bindAddr
			}
			if flags.Changed("port") {
				cfg.Network.Port = port
			}
			if flags.Changed("stream-port") {
				cfg.Network.StreamPort = streamPort
			}
			if flags.Changed("neighbour") {
				cfg.Network.Enabled = true
				cfg.Network.Neighbours = neighbours
			}
			for _, raw := range devices {
				dev, err := parseDeviceFlag(raw)
				if err != nil {
					return err
				}
				cfg.Devices = append(cfg.Devices, dev)
			}
			for _, id := range echoes {
				cfg.Echo = append(cfg.Echo, EchoSection{ID: id})
			}

			level, err := resolveLogLevel(cmd)
			if err != nil {
				return err
			}
			if !flags.Changed("log-level") && cfg.LogLevel != "" {
				if level, err = parseLogLevel(cfg.LogLevel); err != nil {
					return err
				}
			}
			handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
			logger := slog.New(handler)

			opts, err := cfg.options()
			if err != nil {
				return err
			}
			opts = append(opts, caphub.WithLog(handler))

			hub, err := caphub.Create(opts...)
			if err != nil {
				return err
			}
			defer func() {
				if err := hub.Shutdown(); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()

			watch(hub, logger)

			for _, dev := range cfg.Devices {
				if _, err := hub.Devices().Register(dev.ID, dev.Methods...); err != nil {
					return fmt.Errorf("cannot register device %s: %w", dev.ID, err)
				}
			}
			for _, echo := range cfg.Echo {
				if _, err := hub.Services().Register(echo.ID, &echoService{id: echo.ID, tags: echo.Tags}); err != nil {
					return fmt.Errorf("cannot register service %s: %w", echo.ID, err)
				}
			}

			if err := hub.Join(runCtx); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: ready\nnode_id: %s\n", hub.ID())
			if network := hub.Network(); network != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "gossip: %s\n", network.GossipAddr())
			}

			<-runCtx.Done()
			logger.Info("terminating...")
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "Id announced to other nodes (default: random)")
	cmd.Flags().StringVar(&localSocket, "local-socket", caphub.DefaultLocalSocket, "Unix socket shared by the nodes of this machine, empty to disable")
	cmd.Flags().StringVar(&bindAddr, "listen", "", "Address to bind network discovery on")
	cmd.Flags().IntVar(&port, "port", 7946, "Gossip port, TCP and UDP")
	cmd.Flags().IntVar(&streamPort, "stream-port", 7947, "QUIC port, UDP")
	cmd.Flags().StringSliceVar(&neighbours, "neighbour", nil, "Gossip address of a node to join, repeatable")
	cmd.Flags().StringArrayVar(&devices, "device", nil, "Device to attach as id=method,method; repeatable")
	cmd.Flags().StringArrayVar(&echoes, "echo", nil, "Id of an echo service to expose, repeatable")
	return cmd
}

func parseDeviceFlag(raw string) (DeviceSection, error) {
	id, methods, _ := strings.Cut(raw, "=")
	id = strings.TrimSpace(id)
	if id == "" {
		return DeviceSection{}, fmt.Errorf("invalid --device %q: missing id", raw)
	}
	dev := DeviceSection{ID: id}
	for _, m := range strings.Split(methods, ",") {
		if m = strings.TrimSpace(m); m != "" {
			dev.Methods = append(dev.Methods, m)
		}
	}
	return dev, nil
}

// watch logs what the hub learns about the other nodes.
func watch(hub *caphub.Hub, logger *slog.Logger) {
	hub.Devices().OnDeviceConnected(func(d caphub.Device) {
		logger.Info("device connected", "device", d.ID, "owner", d.Owner, "methods", d.Methods)
	})
	hub.Devices().OnDeviceDisconnected(func(d caphub.Device) {
		logger.Info("device disconnected", "device", d.ID, "owner", d.Owner)
	})
	hub.Services().OnServiceAvailable(func(svc caphub.Service) {
		logger.Info("service available", "service", svc.ID(), "local", svc.Local(), "tags", svc.Metadata().Tags)
	})
	hub.Services().OnServiceUnavailable(func(svc caphub.Service) {
		logger.Info("service unavailable", "service", svc.ID())
	})
}

// echoService answers with its arguments.
type echoService struct {
	id   string
	tags []string
}

func (e *echoService) Echo(args ...json.RawMessage) []json.RawMessage {
	if args == nil {
		return []json.RawMessage{}
	}
	return args
}

func (e *echoService) Ping() string {
	return "pong"
}

func (e *echoService) ServiceMetadata() caphub.Metadata {
	return caphub.Metadata{
		Name:  e.id,
		Tags:  e.tags,
		Types: []string{"echo"},
		Actions: map[string]any{
			"echo": "returns its arguments",
			"ping": "returns pong",
		},
	}
}
