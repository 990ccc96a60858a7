package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/handlers"
	"github.com/danmuck/ccsctl/internal/transport/natsbus"
	"github.com/danmuck/ccsctl/internal/transport/stream"
)

const (
	transportStream = "stream"
	transportNATS   = "nats"
)

// ccsctl config.toml key mapping to runtime settings.
type fileConfig struct {
	Transport             string  `toml:"transport"`
	ServerAddr            string  `toml:"server_addr"`
	TLSEnabled            bool    `toml:"tls_enabled"`
	TLSCAFile             string  `toml:"tls_ca_file"`
	TLSServerName         string  `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool    `toml:"tls_insecure_skip_verify"`
	SecurityMode          string  `toml:"security_mode"`
	MaxReconnectAttempts  int     `toml:"max_reconnect_attempts"`
	ConnectTimeout        string  `toml:"connect_timeout"`
	NATSURL               string  `toml:"nats_url"`
	NATSDownstreamSubject string  `toml:"nats_downstream_subject"`
	NATSUpstreamSubject   string  `toml:"nats_upstream_subject"`
	ActionPrefix          string  `toml:"action_prefix"`
	DirectoryPath         string  `toml:"directory_path"`
	MaxPending            int     `toml:"max_pending"`
	BroadcastRate         float64 `toml:"broadcast_rate"`
	MetricsAddr           string  `toml:"metrics_addr"`
	Debug                 bool    `toml:"debug"`
}

type runtimeConfig struct {
	Transport     string
	Stream        stream.Config
	NATS          natsbus.Config
	ActionPrefix  string
	DirectoryPath string
	MaxPending    int
	BroadcastRate float64
	MetricsAddr   string
	Debug         bool
}

func defaultRuntimeConfig() runtimeConfig {
	streamCfg := stream.DefaultConfig()
	streamCfg.Address = ccs.DefaultServer
	streamCfg.SecurityMode = stream.SecurityModeProduction
	streamCfg.TLS = stream.TLSConfig{Enabled: true, UseSystemRoots: true}
	return runtimeConfig{
		Transport:    transportStream,
		Stream:       streamCfg,
		NATS:         natsbus.DefaultConfig(),
		ActionPrefix: handlers.DefaultActionPrefix,
		MaxPending:   ccs.DefaultMaxPending,
	}
}

// loadRuntimeConfig overlays the keys present in path onto the defaults. An
// empty path yields the defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load ccsctl config: %w", err)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("server_addr") {
		cfg.Stream.Address = strings.TrimSpace(raw.ServerAddr)
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Stream.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Stream.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
		cfg.Stream.TLS.UseSystemRoots = cfg.Stream.TLS.CAFile == ""
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Stream.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.Stream.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	if meta.IsDefined("security_mode") {
		cfg.Stream.SecurityMode = stream.NormalizeSecurityMode(stream.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.Stream.MaxReconnectAttempts = raw.MaxReconnectAttempts
		cfg.NATS.MaxReconnects = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("load ccsctl config: connect_timeout: %w", err)
		}
		cfg.Stream.ConnectTimeout = d
		cfg.NATS.ConnectTimeout = d
	}
	if meta.IsDefined("nats_url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nats_downstream_subject") {
		cfg.NATS.DownstreamSubject = strings.TrimSpace(raw.NATSDownstreamSubject)
	}
	if meta.IsDefined("nats_upstream_subject") {
		cfg.NATS.UpstreamSubject = strings.TrimSpace(raw.NATSUpstreamSubject)
	}
	if meta.IsDefined("action_prefix") {
		cfg.ActionPrefix = strings.TrimSpace(raw.ActionPrefix)
	}
	if meta.IsDefined("directory_path") {
		cfg.DirectoryPath = strings.TrimSpace(raw.DirectoryPath)
	}
	if meta.IsDefined("max_pending") {
		cfg.MaxPending = raw.MaxPending
	}
	if meta.IsDefined("broadcast_rate") {
		cfg.BroadcastRate = raw.BroadcastRate
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	if err := cfg.validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load ccsctl config: %w", err)
	}
	return cfg, nil
}

func (c runtimeConfig) validate() error {
	if c.BroadcastRate < 0 {
		return fmt.Errorf("broadcast_rate must not be negative")
	}
	switch c.Transport {
	case transportStream:
		return c.Stream.WithDefaults().Validate()
	case transportNATS:
		return c.NATS.WithDefaults().Validate()
	default:
		return fmt.Errorf("unsupported transport %q (expected %s or %s)", c.Transport, transportStream, transportNATS)
	}
}
