package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/handlers"
	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/danmuck/ccsctl/internal/transport/stream"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ccsctl.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRuntimeConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRuntimeConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Transport != transportStream {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if cfg.Stream.Address != ccs.DefaultServer {
		t.Fatalf("unexpected server: %q", cfg.Stream.Address)
	}
	if cfg.Stream.SecurityMode != stream.SecurityModeProduction || !cfg.Stream.TLS.Enabled {
		t.Fatalf("defaults must use production TLS: %+v", cfg.Stream)
	}
	if cfg.ActionPrefix != handlers.DefaultActionPrefix {
		t.Fatalf("unexpected action prefix: %q", cfg.ActionPrefix)
	}
	if cfg.MaxPending != ccs.DefaultMaxPending {
		t.Fatalf("unexpected max pending: %d", cfg.MaxPending)
	}
}

func TestLoadRuntimeConfigOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
server_addr = "127.0.0.1:5236"
security_mode = "development"
tls_enabled = false
max_reconnect_attempts = 4
connect_timeout = "3s"
action_prefix = ""
directory_path = "/var/lib/ccsctl/directory.db"
max_pending = 50
broadcast_rate = 20.5
metrics_addr = "127.0.0.1:9102"
debug = true
`)
	cfg, err := loadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Stream.Address != "127.0.0.1:5236" {
		t.Fatalf("unexpected server: %q", cfg.Stream.Address)
	}
	if cfg.Stream.SecurityMode != stream.SecurityModeDevelopment || cfg.Stream.TLS.Enabled {
		t.Fatalf("unexpected security: %+v", cfg.Stream)
	}
	if cfg.Stream.MaxReconnectAttempts != 4 || cfg.NATS.MaxReconnects != 4 {
		t.Fatalf("unexpected reconnect attempts: %d / %d", cfg.Stream.MaxReconnectAttempts, cfg.NATS.MaxReconnects)
	}
	if cfg.Stream.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected connect timeout: %s", cfg.Stream.ConnectTimeout)
	}
	if cfg.ActionPrefix != "" {
		t.Fatalf("explicit empty prefix must be kept, got %q", cfg.ActionPrefix)
	}
	if cfg.DirectoryPath != "/var/lib/ccsctl/directory.db" || cfg.MaxPending != 50 || cfg.BroadcastRate != 20.5 {
		t.Fatalf("unexpected runtime settings: %+v", cfg)
	}
	if cfg.MetricsAddr != "127.0.0.1:9102" || !cfg.Debug {
		t.Fatalf("unexpected metrics/debug: %+v", cfg)
	}
	if cfg.Stream.HandshakeTimeout != stream.DefaultConfig().HandshakeTimeout {
		t.Fatalf("unset keys must keep defaults")
	}
}

func TestLoadRuntimeConfigNATS(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
transport = "NATS"
nats_url = "nats://127.0.0.1:4222"
nats_downstream_subject = "gcm.out"
nats_upstream_subject = "gcm.in"
`)
	cfg, err := loadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Transport != transportNATS {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" || cfg.NATS.DownstreamSubject != "gcm.out" || cfg.NATS.UpstreamSubject != "gcm.in" {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}
}

func TestLoadRuntimeConfigRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"transport":        `transport = "carrier-pigeon"`,
		"timeout":          `connect_timeout = "soon"`,
		"insecure prod":    `tls_insecure_skip_verify = true`,
		"prod without tls": `tls_enabled = false`,
		"same subjects": `
transport = "nats"
nats_downstream_subject = "gcm"
nats_upstream_subject = "gcm"`,
		"negative rate": `broadcast_rate = -1.0`,
		"bad toml":      `server_addr = `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadRuntimeConfig(writeConfig(t, content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "load ccsctl config") {
				t.Fatalf("unexpected error shape: %v", err)
			}
		})
	}
}
