package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plugbridge/internal/client"
	"plugbridge/internal/httpapi"
	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

var (
	serverOnce sync.Once
	serverBin  string
	serverErr  error
)

// buildServerBinary compiles cmd/plugin-server once per test binary.
func buildServerBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	serverOnce.Do(func() {
		dir, err := os.MkdirTemp("", "plugbridge-e2e")
		if err != nil {
			serverErr = err
			return
		}
		serverBin = filepath.Join(dir, "plugin-server")
		cmd := exec.Command("go", "build", "-o", serverBin, "plugbridge/cmd/plugin-server")
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
		if out, err := cmd.CombinedOutput(); err != nil {
			serverErr = fmt.Errorf("%w: %s", err, out)
		}
	})
	if serverErr != nil {
		t.Fatalf("build plugin-server: %v", serverErr)
	}
	return serverBin
}

func writePlugin(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name+".pbplug.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write plugin %s: %v", p, err)
	}
	return p
}

const gainPlugin = `id: e2e.gain
name: E2E Gain
vendor: plugbridge
inputs: 2
outputs: 2
effects:
  - type: gain
    params:
      gain: 6.0206
`

func bridgeConfig(t *testing.T) client.Config {
	t.Helper()
	return client.Config{
		ServerBinary:     buildServerBinary(t),
		RegionDir:        t.TempDir(),
		MaxBlockSize:     256,
		MaxEvents:        32,
		HandshakeTimeout: 10 * time.Second,
		BlockTimeout:     time.Second,
		ShutdownGrace:    time.Second,
		PollInterval:     10 * time.Millisecond,
	}
}

func load(t *testing.T, path string, cfg client.Config) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c, err := client.Load(ctx, path, cfg)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func stereo(size int, fill float32) [][]float32 {
	out := [][]float32{make([]float32, size), make([]float32, size)}
	for _, l := range out {
		for i := range l {
			l[i] = fill
		}
	}
	return out
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// clients serves a fixed set of clients to httpapi.
type clients []*client.Client

func (cs clients) Status() types.StatusResponse {
	var st types.StatusResponse
	for _, c := range cs {
		st.Instances = append(st.Instances, c.Status())
	}
	return st
}

func (cs clients) find(id string) (*client.Client, error) {
	for _, c := range cs {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, httpapi.ErrInstanceNotFound(id)
}

func (cs clients) Instance(id string) (types.InstanceStatus, error) {
	c, err := cs.find(id)
	if err != nil {
		return types.InstanceStatus{}, err
	}
	return c.Status(), nil
}

func (cs clients) ResetInstance(ctx context.Context, id string) error {
	c, err := cs.find(id)
	if err != nil {
		return err
	}
	return c.Reset(ctx)
}

func (cs clients) Ready() bool {
	for _, c := range cs {
		if c.Closed() || c.Stage() != lifecycle.Ready {
			return false
		}
	}
	return len(cs) > 0
}

func httpDo(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
