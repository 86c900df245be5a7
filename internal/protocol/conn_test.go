package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

func pipe(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return NewConn(a), b
}

func TestSendRecv_Handshake(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	host, srv := NewConn(a), NewConn(b)

	want := Handshake{PluginPath: "/p/gain.pbplug.yaml", SampleRate: 48000, MaxBlockSize: 512,
		ChannelLayout: types.AudioIO{Inputs: 2, Outputs: 2}}
	go func() { _ = host.Send(KindHandshake, want) }()

	f, err := srv.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Kind != KindHandshake {
		t.Fatalf("kind=%s", f.Kind)
	}
	var got Handshake
	if err := f.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func writeRaw(t *testing.T, w io.Writer, length uint32, version, kind uint16, body []byte) {
	t.Helper()
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], length)
	binary.BigEndian.PutUint16(hdr[4:6], version)
	binary.BigEndian.PutUint16(hdr[6:8], kind)
	go func() { _, _ = w.Write(append(hdr, body...)) }()
}

func TestRecv_VersionMismatch(t *testing.T) {
	c, raw := pipe(t)
	writeRaw(t, raw, 6, 99, uint16(KindShutdown), []byte("{}"))
	_, err := c.Recv()
	if !lifecycle.IsProtocol(err) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestRecv_OversizeFrame(t *testing.T) {
	c, raw := pipe(t)
	writeRaw(t, raw, MaxFrameSize+5, Version, uint16(KindShutdown), nil)
	_, err := c.Recv()
	if !lifecycle.IsProtocol(err) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestRecv_EOF(t *testing.T) {
	c, raw := pipe(t)
	_ = raw.Close()
	if _, err := c.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestExpect_ErrorFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	host, srv := NewConn(a), NewConn(b)
	go func() { _ = srv.SendError(lifecycle.ErrLoadFailed("/nope", "plugin not found")) }()

	err := host.Expect("handshake", KindHandshakeAck, time.Second, &HandshakeAck{})
	if !lifecycle.IsLoadFailed(err) || err.Error() != "load_failed: /nope: plugin not found" {
		t.Fatalf("want load failed, got %v", err)
	}
}

func TestExpect_WrongKind(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	host, srv := NewConn(a), NewConn(b)
	go func() { _ = srv.Send(KindShutdownAck, nil) }()

	err := host.Expect("handshake", KindHandshakeAck, time.Second, nil)
	if !lifecycle.IsProtocol(err) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestExpect_Timeout(t *testing.T) {
	c, _ := pipe(t)
	start := time.Now()
	err := c.Expect("handshake", KindHandshakeAck, 30*time.Millisecond, nil)
	if !lifecycle.IsTimeout(err) {
		t.Fatalf("want timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}
}

func TestSend_TooLarge(t *testing.T) {
	c, _ := pipe(t)
	big := make([]byte, MaxFrameSize)
	err := c.Send(KindCrashed, Crashed{Reason: string(big)})
	if !lifecycle.IsProtocol(err) {
		t.Fatalf("want protocol error, got %v", err)
	}
}
