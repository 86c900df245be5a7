package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"plugbridge/internal/httpapi"
	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "plugbridge ") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConfigFileAndFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(p, []byte("server_binary: /from/file\nlog_level: debug\nmax_block_size: 128\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", p, "--server-binary", "/from/flag", "version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	ro := &rootOptions{configPath: p, serverBinary: "/from/flag", logLevel: "info"}
	if err := ro.complete(root); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cfg := ro.bridgeConfig()
	if cfg.ServerBinary != "/from/flag" || cfg.MaxBlockSize != 128 {
		t.Fatalf("unexpected bridge config: %+v", cfg)
	}
	if ro.logLevel != "debug" {
		t.Fatalf("file log level should apply when the flag is unset, got %q", ro.logLevel)
	}
	if cfg.Logger == nil {
		t.Fatalf("logger not wired")
	}
}

func TestMissingConfigFails(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "version"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for a missing config file")
	}
}

type fakeInstance struct {
	id       string
	stage    lifecycle.Stage
	resetErr error
	resets   int
	blocks   int
	stopped  int
}

func (f *fakeInstance) ID() string             { return f.id }
func (f *fakeInstance) Stage() lifecycle.Stage { return f.stage }
func (f *fakeInstance) Closed() bool           { return f.stopped > 0 }
func (f *fakeInstance) Status() types.InstanceStatus {
	return types.InstanceStatus{ID: f.id, Stage: f.stage.String(), Closed: f.Closed()}
}
func (f *fakeInstance) AudioIO() types.AudioIO { return types.AudioIO{Inputs: 2, Outputs: 2} }
func (f *fakeInstance) Reset(context.Context) error {
	f.resets++
	return f.resetErr
}
func (f *fakeInstance) Process(in, out [][]float32, n int) bool {
	f.blocks++
	return true
}
func (f *fakeInstance) Shutdown() error {
	f.stopped++
	return nil
}

func TestHostService(t *testing.T) {
	h := newHost()
	if h.Ready() {
		t.Fatalf("empty host must not be ready")
	}
	a := &fakeInstance{id: "a", stage: lifecycle.Ready}
	b := &fakeInstance{id: "b", stage: lifecycle.Loading, resetErr: lifecycle.ErrProtocol("reset while loading")}
	h.add(a)
	h.add(b)

	var svc httpapi.Service = h
	st := svc.Status()
	if len(st.Instances) != 2 || st.Instances[0].ID != "a" || st.Instances[1].ID != "b" {
		t.Fatalf("status order: %+v", st.Instances)
	}
	if svc.Ready() {
		t.Fatalf("host with a loading instance must not be ready")
	}
	if _, err := svc.Instance("zzz"); err == nil {
		t.Fatalf("expected not found")
	}
	if err := svc.ResetInstance(context.Background(), "a"); err != nil || a.resets != 1 {
		t.Fatalf("reset a: %v (%d)", err, a.resets)
	}
	if err := svc.ResetInstance(context.Background(), "b"); !lifecycle.IsProtocol(err) {
		t.Fatalf("reset b: %v", err)
	}
	b.stage = lifecycle.Ready
	if !svc.Ready() {
		t.Fatalf("all instances ready")
	}

	if err := h.shutdown(zerolog.Nop()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if a.stopped != 1 || b.stopped != 1 {
		t.Fatalf("shutdown counts a=%d b=%d", a.stopped, b.stopped)
	}
	if svc.Ready() {
		t.Fatalf("host must not be ready after shutdown")
	}
	if st := svc.Status(); !st.Instances[0].Closed || st.Instances[0].Stage != "ready" {
		t.Fatalf("status after shutdown: %+v", st.Instances[0])
	}
}

func TestHostRender(t *testing.T) {
	h := newHost()
	a := &fakeInstance{id: "a", stage: lifecycle.Ready}
	h.add(a)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.render(ctx, 64, time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done
	if a.blocks == 0 {
		t.Fatalf("render did not process any block")
	}
}

func TestRunRejectsBadBlockSize(t *testing.T) {
	err := run(context.Background(), &rootOptions{}, &runOptions{render: true}, []string{"x"})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected block size error, got %v", err)
	}
}
