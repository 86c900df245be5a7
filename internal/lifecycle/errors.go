package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies bridge failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindLoadFailed
	KindIpc
	KindSharedMemory
	KindTimeout
	KindProcessCrashed
	KindProtocol
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindConnectionFailed: "connection_failed",
	KindLoadFailed:       "load_failed",
	KindIpc:              "ipc_error",
	KindSharedMemory:     "shared_memory_error",
	KindTimeout:          "timeout",
	KindProcessCrashed:   "process_crashed",
	KindProtocol:         "protocol_error",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a name produced by Kind.String back to its Kind.
func ParseKind(s string) Kind {
	for i, n := range kindNames {
		if n == s {
			return Kind(i)
		}
	}
	return KindUnknown
}

// Error is the error type returned by every control-path operation.
type Error struct {
	Kind Kind
	// Op names the step that failed (spawn, dial, handshake, map_region...).
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is err's text without the kind prefix, for carrying the error to
// the other side of the control channel alongside its kind.
func Detail(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	return strings.TrimPrefix(strings.TrimPrefix(e.Error(), e.Kind.String()), ": ")
}

// ErrConnectionFailed reports that the isolated process could not be spawned
// or its control channel could not be reached.
func ErrConnectionFailed(op string, err error) error {
	return &Error{Kind: KindConnectionFailed, Op: op, Err: err}
}

// ErrLoadFailed reports that the isolated process could not load the plugin.
func ErrLoadFailed(path, msg string) error {
	return &Error{Kind: KindLoadFailed, Op: path, Msg: msg}
}

func ErrIpc(op string, err error) error { return &Error{Kind: KindIpc, Op: op, Err: err} }

func ErrSharedMemory(op string, err error) error {
	return &Error{Kind: KindSharedMemory, Op: op, Err: err}
}

// ErrTimeout reports that op did not complete within d.
func ErrTimeout(op string, d time.Duration) error {
	return &Error{Kind: KindTimeout, Op: op, Msg: fmt.Sprintf("no response within %s", d)}
}

func ErrProcessCrashed(msg string) error {
	return &Error{Kind: KindProcessCrashed, Msg: msg}
}

// ErrProtocol reports a malformed or out-of-sequence control message.
func ErrProtocol(msg string) error { return &Error{Kind: KindProtocol, Msg: msg} }

// New builds an Error of kind k, used when decoding errors received from the
// other side of the control channel.
func New(k Kind, msg string) error { return &Error{Kind: k, Msg: msg} }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsConnectionFailed(err error) bool { return KindOf(err) == KindConnectionFailed }

// IsLoadFailed reports whether err indicates the plugin could not be loaded.
func IsLoadFailed(err error) bool { return KindOf(err) == KindLoadFailed }

func IsIpc(err error) bool { return KindOf(err) == KindIpc }

func IsSharedMemory(err error) bool { return KindOf(err) == KindSharedMemory }

// IsTimeout reports whether err is a bridge timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

func IsProcessCrashed(err error) bool { return KindOf(err) == KindProcessCrashed }

func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }
