// Package protocol implements the control channel between the host and the
// isolated plugin process: length-prefixed, versioned frames over a unix
// stream socket carrying JSON bodies.
package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"plugbridge/internal/lifecycle"
)

const (
	// Version is the control protocol version carried by every frame.
	Version uint16 = 1
	// MaxFrameSize bounds the body of a single frame.
	MaxFrameSize = 1 << 20

	headerSize = 8
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame is one decoded control message.
type Frame struct {
	Kind Kind
	Body []byte
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return lifecycle.ErrProtocol(fmt.Sprintf("decode %s: %v", f.Kind, err))
	}
	return nil
}

// Err converts an Error frame into a lifecycle error. It returns nil for any
// other kind.
func (f Frame) Err() error {
	if f.Kind != KindError {
		return nil
	}
	var b ErrorBody
	if err := f.Decode(&b); err != nil {
		return err
	}
	return lifecycle.New(lifecycle.ParseKind(b.Kind), b.Message)
}

// Conn is a framed control connection. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	wmu sync.Mutex
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Dial connects to a control socket.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Send writes one frame. A nil body is sent as an empty object.
func (c *Conn) Send(kind Kind, body any) error {
	var payload []byte
	if body == nil {
		payload = []byte("{}")
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			return lifecycle.ErrProtocol(fmt.Sprintf("encode %s: %v", kind, err))
		}
		payload = b
	}
	if len(payload) > MaxFrameSize {
		return lifecycle.ErrProtocol(fmt.Sprintf("%s frame too large: %d bytes", kind, len(payload)))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(kind))
	copy(buf[headerSize:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(buf); err != nil {
		return lifecycle.ErrIpc("send "+kind.String(), err)
	}
	return nil
}

// SendError writes an Error frame describing err.
func (c *Conn) SendError(err error) error {
	return c.Send(KindError, ErrorBody{Kind: lifecycle.KindOf(err).String(), Message: lifecycle.Detail(err)})
}

// Recv reads the next frame. A cleanly closed peer yields io.EOF unwrapped.
func (c *Conn) Recv() (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, lifecycle.ErrIpc("recv", err)
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n < 4 || n-4 > MaxFrameSize {
		return Frame{}, lifecycle.ErrProtocol(fmt.Sprintf("invalid frame length %d", n))
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != Version {
		return Frame{}, lifecycle.ErrProtocol(fmt.Sprintf("unsupported protocol version %d (want %d)", v, Version))
	}
	f := Frame{Kind: Kind(binary.BigEndian.Uint16(hdr[6:8])), Body: make([]byte, n-4)}
	if _, err := io.ReadFull(c.r, f.Body); err != nil {
		return Frame{}, lifecycle.ErrIpc("recv body", err)
	}
	return f, nil
}

// RecvTimeout is Recv bounded by d. On expiry it returns a Timeout error
// and the connection must not be used for further reads.
func (c *Conn) RecvTimeout(op string, d time.Duration) (Frame, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Frame{}, lifecycle.ErrIpc(op, err)
	}
	defer c.nc.SetReadDeadline(time.Time{})
	f, err := c.Recv()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Frame{}, lifecycle.ErrTimeout(op, d)
	}
	return f, err
}

// Expect reads one frame and requires it to be of kind want. Error frames
// are returned as errors.
func (c *Conn) Expect(op string, want Kind, d time.Duration, v any) error {
	f, err := c.RecvTimeout(op, d)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return lifecycle.ErrIpc(op, io.ErrUnexpectedEOF)
		}
		return err
	}
	if err := f.Err(); err != nil {
		return err
	}
	if f.Kind != want {
		return lifecycle.ErrProtocol(fmt.Sprintf("%s: got %s, want %s", op, f.Kind, want))
	}
	if v == nil {
		return nil
	}
	return f.Decode(v)
}

func (c *Conn) Close() error { return c.nc.Close() }
