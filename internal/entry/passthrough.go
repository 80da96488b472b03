//go:build linux

package entry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/substratum-dev/zygon/internal/daemon"
	"github.com/substratum-dev/zygon/internal/wire"
)

var errPassthroughFailed = errors.New("entry: passthrough helper failed")

// passthrough is the non-pool-manager branch: obtain a clean, uninstrumented
// target-binary descriptor through a forked helper and exec it with argv and
// environment unmodified. Any failure is fatal for this process, since the
// original caller cannot proceed without the real binary.
func (p *Process) passthrough() error {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("entry: socketpair: %w", err)
	}
	if err := p.SpawnHelper(pair[1], daemon.NativeBitness()); err != nil {
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
		return fmt.Errorf("entry: spawn passthrough helper: %w", err)
	}
	_ = unix.Close(pair[1])

	status, err := wire.ReadInt(pair[0])
	if err != nil || status != 0 {
		_ = unix.Close(pair[0])
		return errPassthroughFailed
	}
	targetFD, err := wire.RecvFD(pair[0])
	if err != nil {
		_ = unix.Close(pair[0])
		return errPassthroughFailed
	}
	_ = unix.Close(pair[0])

	return p.ExecFD(targetFD, p.Args, p.Env)
}

// RunPassthrough is the helper side, re-exec'd as `passthrough <client-fd>
// <bitness>` so its socket end survives the image replacement. It opens its
// own daemon request and relays the outcome to the original client: a status
// integer, then the clean descriptor on success. It never touches
// LD_PRELOAD, the hijack library or the environment sanitizer.
func RunPassthrough(client int, bitness int32, dial func() (*daemon.Conn, error)) error {
	// The client descriptor was validated by the parent before the exec;
	// a number that no longer names an open descriptor means we were not
	// invoked through that path.
	if _, err := unix.FcntlInt(uintptr(client), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("entry: passthrough client fd %d: %w", client, err)
	}

	conn, err := dial()
	if err != nil {
		_ = wire.WriteInt(client, 1)
		return nil
	}
	defer conn.Close()

	if err := conn.Request(daemon.RequestPassthrough); err != nil {
		_ = wire.WriteInt(client, 1)
		return nil
	}
	if err := conn.WriteInt(bitness); err != nil {
		_ = wire.WriteInt(client, 1)
		return nil
	}
	status, err := conn.ReadInt()
	if err != nil || status != 0 {
		_ = wire.WriteInt(client, 1)
		return nil
	}

	if err := wire.WriteInt(client, 0); err != nil {
		return err
	}
	targetFD, err := conn.RecvFD()
	if err != nil {
		return fmt.Errorf("entry: receive clean target fd: %w", err)
	}
	return wire.SendFD(client, targetFD)
}
