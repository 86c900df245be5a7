package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func checkFile(t *testing.T, f File) {
	t.Helper()
	if f.ServerBinary != "/opt/pb/plugin-server" || f.MaxBlockSize != 512 || f.SlotCount != 3 {
		t.Fatalf("unexpected sizing: %+v", f)
	}
	if time.Duration(f.BlockTimeout) != 2*time.Millisecond || time.Duration(f.ShutdownGrace) != time.Second {
		t.Fatalf("unexpected durations: block=%s grace=%s", time.Duration(f.BlockTimeout), time.Duration(f.ShutdownGrace))
	}
	if f.HTTP.Addr != ":9090" || len(f.HTTP.CORSOrigins) != 1 {
		t.Fatalf("unexpected http: %+v", f.HTTP)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `server_binary: /opt/pb/plugin-server
max_block_size: 512
slot_count: 3
block_timeout: 2ms
shutdown_grace: 1s
http:
  addr: ":9090"
  cors_origins: ["*"]
`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkFile(t, f)
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"server_binary":"/opt/pb/plugin-server","max_block_size":512,"slot_count":3,
"block_timeout":"2ms","shutdown_grace":"1s","http":{"addr":":9090","cors_origins":["*"]}}`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkFile(t, f)
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `server_binary = "/opt/pb/plugin-server"
max_block_size = 512
slot_count = 3
block_timeout = "2ms"
shutdown_grace = "1s"

[http]
addr = ":9090"
cors_origins = ["*"]
`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkFile(t, f)
}

func TestBridgeConfig(t *testing.T) {
	f := File{MaxBlockSize: 512, BlockTimeout: Duration(3 * time.Millisecond), HostDeadline: Duration(5 * time.Millisecond), QueueSize: 64, BlockHeadroom: 0.6}
	c := f.BridgeConfig()
	if c.MaxBlockSize != 512 || c.BlockTimeout != 3*time.Millisecond || c.HostDeadline != 5*time.Millisecond || c.QueueCapacity != 64 || c.BlockHeadroom != 0.6 {
		t.Fatalf("unexpected client config: %+v", c)
	}
	if c.ServerBinary != "" || c.SlotCount != 0 {
		t.Fatalf("unset fields must stay zero: %+v", c)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	p := writeTempFile(t, t.TempDir(), "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, t.TempDir(), "bad.yaml", "block_timeout: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
