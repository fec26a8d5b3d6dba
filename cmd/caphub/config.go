package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/caphub"
	"github.com/spf13/cobra"
)

// Config is the content of the TOML file given to `--config`.
type Config struct {
	NodeID           string   `toml:"node_id"`
	LogLevel         string   `toml:"log_level"`
	LocalSocket      *string  `toml:"local_socket"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	OutboundQueue    int      `toml:"outbound_queue"`

	Network NetworkSection  `toml:"network"`
	TLS     TLSSection      `toml:"tls"`
	Devices []DeviceSection `toml:"device"`
	Echo    []EchoSection   `toml:"echo"`
}

type NetworkSection struct {
	Enabled     bool     `toml:"enabled"`
	BindAddr    string   `toml:"bind_addr"`
	Port        int      `toml:"port"`
	StreamPort  int      `toml:"stream_port"`
	Neighbours  []string `toml:"neighbours"`
	DialTimeout duration `toml:"dial_timeout"`
	GracePeriod duration `toml:"grace_period"`
}

type TLSSection struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
}

// DeviceSection declares a device attached to this node.
type DeviceSection struct {
	ID      string   `toml:"id"`
	Methods []string `toml:"methods"`
}

// EchoSection exposes an echo service, mostly useful to check that two
// nodes see each other.
type EchoSection struct {
	ID   string   `toml:"id"`
	Tags []string `toml:"tags"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config %s: %v", path, undecoded)
	}
	for i, dev := range cfg.Devices {
		if dev.ID == "" {
			return nil, fmt.Errorf("device #%d has no id", i)
		}
	}
	for i, echo := range cfg.Echo {
		if echo.ID == "" {
			return nil, fmt.Errorf("echo service #%d has no id", i)
		}
	}
	return cfg, nil
}

func configFromCmd(cmd *cobra.Command) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return loadConfig(path)
}

// options turns the configuration into hub options.
func (cfg *Config) options() ([]caphub.Option, error) {
	var opts []caphub.Option
	if cfg.NodeID != "" {
		opts = append(opts, caphub.WithNodeID(cfg.NodeID))
	}
	if cfg.LocalSocket != nil {
		opts = append(opts, caphub.WithLocalSocket(*cfg.LocalSocket))
	}
	if cfg.HandshakeTimeout.Duration > 0 {
		opts = append(opts, caphub.WithHandshakeTimeout(cfg.HandshakeTimeout.Duration))
	}
	if cfg.OutboundQueue > 0 {
		opts = append(opts, caphub.WithOutboundQueue(cfg.OutboundQueue))
	}

	if !cfg.Network.Enabled {
		return opts, nil
	}

	tlsConf, err := cfg.TLS.load()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		caphub.WithListenOn(cfg.Network.BindAddr, cfg.Network.Port, cfg.Network.StreamPort),
		caphub.WithTlsConfig(tlsConf),
		caphub.WithDialTimeout(cfg.Network.DialTimeout.Duration),
		caphub.WithGracePeriod(cfg.Network.GracePeriod.Duration),
	)
	if len(cfg.Network.Neighbours) > 0 {
		opts = append(opts, caphub.WithNeighbours(cfg.Network.Neighbours))
	}
	return opts, nil
}

func (s TLSSection) load() (*tls.Config, error) {
	if s.CA == "" || s.Cert == "" || s.Key == "" {
		return nil, errors.New("network discovery needs tls.cert, tls.key and tls.ca")
	}

	keypair, err := tls.LoadX509KeyPair(s.Cert, s.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load node cert: %w", err)
	}

	caBytes, err := os.ReadFile(s.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", s.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
