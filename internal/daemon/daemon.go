//go:build linux

// Package daemon is the client side of the main daemon's control protocol.
// The main daemon itself is external infrastructure; this subsystem consumes
// exactly two of its request codes and otherwise treats it as a relay.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/substratum-dev/zygon/internal/wire"
)

// Request codes accepted by the main daemon on behalf of this subsystem.
const (
	// RequestSetup negotiates an instrumented loader, the real target
	// binary's descriptor and the private runtime directory.
	RequestSetup int32 = iota
	// RequestPassthrough obtains a clean, uninstrumented copy of the
	// target binary's descriptor. Followed on the wire by a bitness
	// selector.
	RequestPassthrough
)

// Bitness selectors nested under RequestPassthrough.
const (
	Bitness32 int32 = 0
	Bitness64 int32 = 1
)

const (
	// DefaultSocket is the main daemon's control socket. The daemon owns
	// the private runtime directory the socket lives in.
	DefaultSocket = "/dev/zygon/daemon.sock"
	// SocketEnv overrides DefaultSocket, for first-boot layouts where the
	// runtime directory has a randomized name.
	SocketEnv = "ZYGON_SOCKET"
)

// NativeBitness is the selector matching the pool half this binary serves.
// The distinction is made at build time, never by runtime inspection.
func NativeBitness() int32 {
	if strconv.IntSize == 64 {
		return Bitness64
	}
	return Bitness32
}

// SocketPath resolves the main daemon's control socket address.
func SocketPath() string {
	if p := os.Getenv(SocketEnv); p != "" {
		return p
	}
	return DefaultSocket
}

// Conn is one request connection to the main daemon. Exchanges on it are
// strictly alternating and synchronous; no deadline is ever set, a hung
// daemon hangs the caller by design.
type Conn struct {
	fd     int
	closed bool
}

// Connect dials the main daemon's control socket.
func Connect() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: socket: %w", err)
	}
	path := SocketPath()
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("daemon: connect %s: %w", path, err)
	}
	return &Conn{fd: fd}, nil
}

// FromFD wraps an already-connected descriptor. The Conn takes ownership.
func FromFD(fd int) *Conn {
	return &Conn{fd: fd}
}

// Close is idempotent; the entry protocol closes explicitly before exec and
// again through a defer.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

func (c *Conn) bad() error {
	if c.closed {
		return errors.New("daemon: connection closed")
	}
	return nil
}

// Request writes a top-level request code.
func (c *Conn) Request(code int32) error {
	if err := c.bad(); err != nil {
		return err
	}
	return wire.WriteInt(c.fd, code)
}

// WriteInt writes one protocol integer.
func (c *Conn) WriteInt(v int32) error {
	if err := c.bad(); err != nil {
		return err
	}
	return wire.WriteInt(c.fd, v)
}

// ReadInt reads one protocol integer (status codes included).
func (c *Conn) ReadInt() (int32, error) {
	if err := c.bad(); err != nil {
		return 0, err
	}
	return wire.ReadInt(c.fd)
}

// ReadBytes reads one length-prefixed byte string.
func (c *Conn) ReadBytes(limit int) ([]byte, error) {
	if err := c.bad(); err != nil {
		return nil, err
	}
	return wire.ReadBytes(c.fd, limit)
}

// ReadString reads one length-prefixed string.
func (c *Conn) ReadString(limit int) (string, error) {
	if err := c.bad(); err != nil {
		return "", err
	}
	return wire.ReadString(c.fd, limit)
}

// RecvFD receives one passed descriptor.
func (c *Conn) RecvFD() (int, error) {
	if err := c.bad(); err != nil {
		return -1, err
	}
	return wire.RecvFD(c.fd)
}
