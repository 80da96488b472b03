//go:build linux

// Package companion implements the per-architecture companion daemon: a
// privileged worker spawned by the main daemon that loads a batch of
// extension-module shared objects once, then brokers privileged requests
// from injected instances for the rest of its lifetime.
package companion

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/substratum-dev/zygon/internal/wire"
)

var (
	errUnauthenticated = errors.New("companion: control peer is not root")
	errControlClosed   = errors.New("companion: control connection closed")
)

// Daemon owns one architecture's companion process. The module registry is
// built once from the fd batch on the control connection and never mutated
// afterwards, so dispatched tasks read it without locking.
type Daemon struct {
	control int
	load    LoadFunc
	log     *slog.Logger

	// Indexed by module id, assigned by fd arrival order. A nil slot means
	// the module supplied no valid companion code.
	modules []Entry
}

// Run services one companion daemon lifetime on an inherited control
// descriptor. It returns only on a terminal condition; the daemon has no
// independent lifetime from the main daemon on the other end.
func Run(control int) error {
	return run(control, LoadModule, slog.Default())
}

func run(control int, load LoadFunc, log *slog.Logger) error {
	if err := authenticate(control); err != nil {
		// No response: an unauthenticated peer learns nothing.
		return err
	}
	setProcessTitle()
	log.Info("launching companion daemon", "title", processTitle())

	d := &Daemon{control: control, load: load, log: log}
	if err := d.loadModules(); err != nil {
		return err
	}
	return d.serve()
}

// authenticate requires the daemon itself to run as root and the control
// peer to be a connected root-owned socket. Anything else exits immediately.
func authenticate(control int) error {
	if unix.Getuid() != 0 {
		return errUnauthenticated
	}
	cred, err := unix.GetsockoptUcred(control, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return fmt.Errorf("companion: control peer credentials: %w", err)
	}
	if cred.Uid != 0 {
		return errUnauthenticated
	}
	return nil
}

func processTitle() string {
	if strconv.IntSize == 64 {
		return "zygond64"
	}
	return "zygond32"
}

func setProcessTitle() {
	name, err := unix.BytePtrFromString(processTitle())
	if err != nil {
		return
	}
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(name)), 0, 0, 0)
}

// loadModules builds the registry from the startup fd batch and acks with a
// single status integer. A module that fails to load degrades to an empty
// slot; only loss of the control connection itself is fatal.
func (d *Daemon) loadModules() error {
	fds, err := wire.RecvFDs(d.control)
	if err != nil {
		return fmt.Errorf("companion: receive module fds: %w", err)
	}
	d.modules = make([]Entry, 0, len(fds))
	for id, fd := range fds {
		entry, err := d.load(fd)
		if err != nil {
			d.log.Warn("module has no usable companion", "module", id, "error", err)
			entry = nil
		}
		d.modules = append(d.modules, entry)
		_ = unix.Close(fd)
	}
	return wire.WriteInt(d.control, 0)
}

// serve distributes client connections to module companion code. The loop is
// single-threaded; every accepted client is handed to its own task and never
// waited for.
func (d *Daemon) serve() error {
	pfd := []unix.PollFd{{Fd: int32(d.control), Events: unix.POLLIN}}
	for {
		pfd[0].Revents = 0
		if _, err := unix.Poll(pfd, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("companion: poll control: %w", err)
		}
		if re := pfd[0].Revents; re != 0 && re&unix.POLLIN == 0 {
			// Peer direction closed or errored in the main daemon.
			return errControlClosed
		}

		client, err := wire.RecvFD(d.control)
		if err != nil {
			// Loss of the distribution channel is unrecoverable.
			return errControlClosed
		}
		id, err := wire.ReadInt(client)
		if err != nil || !d.populated(id) {
			_ = unix.Close(client)
			continue
		}
		go d.invoke(d.modules[id], client)
	}
}

func (d *Daemon) populated(id int32) bool {
	return id >= 0 && int(id) < len(d.modules) && d.modules[id] != nil
}

// invoke runs one module's companion entry against one client descriptor.
// The identity snapshot guards the close: the module may legitimately close
// the descriptor itself (e.g. to hand it off), and by the time it returns
// the same number can already belong to an unrelated connection.
func (d *Daemon) invoke(entry Entry, client int) {
	var before unix.Stat_t
	if err := unix.Fstat(client, &before); err != nil {
		before = unix.Stat_t{}
	}

	entry(client)

	var after unix.Stat_t
	if err := unix.Fstat(client, &after); err == nil {
		if after.Dev == before.Dev && after.Ino == before.Ino {
			_ = unix.Close(client)
		}
	}
}
