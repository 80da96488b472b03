//go:build linux

// Package wire implements the framing shared by the injection entry point,
// the passthrough helper and the companion daemon: fixed-width little-endian
// integers, length-prefixed byte strings, and file descriptors carried as
// SCM_RIGHTS ancillary data over connected unix-domain sockets.
//
// All helpers operate on raw descriptors because most of them run either
// across a fork/exec boundary or on descriptors inherited from the main
// daemon, where *os.File ownership semantics would get in the way.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Largest fd batch accepted in a single control message. The main daemon
// sends one descriptor per extension module; anything beyond this is a
// protocol violation, not a realistic module count.
const maxBatchFDs = 256

var (
	ErrShortMessage = errors.New("wire: truncated control message")
	ErrNoFD         = errors.New("wire: no file descriptor in control message")
)

func readFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Read(fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		p = p[n:]
	}
	return nil
}

func writeFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ReadInt reads one little-endian int32.
func ReadInt(fd int) (int32, error) {
	var buf [4]byte
	if err := readFull(fd, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteInt writes one little-endian int32.
func WriteInt(fd int, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return writeFull(fd, buf[:])
}

// ReadBytes reads a length-prefixed byte string. A negative, zero or
// over-limit length is a protocol violation.
func ReadBytes(fd int, limit int) ([]byte, error) {
	n, err := ReadInt(fd)
	if err != nil {
		return nil, err
	}
	if n <= 0 || int(n) > limit {
		return nil, fmt.Errorf("wire: bad payload length %d (limit %d)", n, limit)
	}
	buf := make([]byte, n)
	if err := readFull(fd, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes writes a length-prefixed byte string.
func WriteBytes(fd int, p []byte) error {
	if err := WriteInt(fd, int32(len(p))); err != nil {
		return err
	}
	return writeFull(fd, p)
}

// ReadString reads a length-prefixed string.
func ReadString(fd int, limit int) (string, error) {
	b, err := ReadBytes(fd, limit)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteString writes a length-prefixed string.
func WriteString(fd int, s string) error {
	return WriteBytes(fd, []byte(s))
}

// SendFD passes one descriptor over sock. A single data byte accompanies the
// ancillary payload so the message is never empty.
func SendFD(sock, fd int) error {
	return unix.Sendmsg(sock, []byte{0}, unix.UnixRights(fd), nil, 0)
}

// RecvFD receives exactly one passed descriptor. The received descriptor has
// CLOEXEC set.
func RecvFD(sock int) (int, error) {
	fds, err := recvRights(sock, 1, 1)
	if err != nil {
		return -1, err
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return -1, fmt.Errorf("wire: expected 1 passed fd, got %d", len(fds))
	}
	return fds[0], nil
}

// SendFDs passes a batch of descriptors in one message, prefixed in the data
// bytes by the batch count.
func SendFDs(sock int, fds []int) error {
	if len(fds) == 0 || len(fds) > maxBatchFDs {
		return fmt.Errorf("wire: bad fd batch size %d", len(fds))
	}
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(fds)))
	return unix.Sendmsg(sock, count[:], unix.UnixRights(fds...), nil, 0)
}

// RecvFDs receives one fd batch. The count carried in the data bytes must
// match the number of descriptors in the ancillary payload.
func RecvFDs(sock int) ([]int, error) {
	fds, err := recvRights(sock, 4, maxBatchFDs)
	if err != nil {
		return nil, err
	}
	return fds, nil
}

func recvRights(sock, dataLen, maxFDs int) ([]int, error) {
	data := make([]byte, dataLen)
	oob := make([]byte, unix.CmsgSpace(4*maxFDs))

	n, oobn, _, _, err := unix.Recvmsg(sock, data, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}
	if n < dataLen {
		return nil, ErrShortMessage
	}
	if oobn == 0 {
		return nil, ErrNoFD
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range messages {
		parsed, err := unix.ParseUnixRights(&messages[i])
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) == 0 {
		return nil, ErrNoFD
	}
	if dataLen == 4 {
		want := int(binary.LittleEndian.Uint32(data))
		if want != len(fds) {
			for _, fd := range fds {
				_ = unix.Close(fd)
			}
			return nil, fmt.Errorf("wire: fd batch count mismatch: header %d, received %d", want, len(fds))
		}
	}
	return fds, nil
}
