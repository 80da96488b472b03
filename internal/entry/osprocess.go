//go:build linux

package entry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/substratum-dev/zygon/internal/daemon"
)

const selfAttrPath = "/proc/self/attr/current"

// NewOSProcess binds the entry protocol to the real process state.
func NewOSProcess() *Process {
	return &Process{
		Args: os.Args,
		Env:  os.Environ(),
		Log:  slog.Default(),

		ReadLabel:     readSelfLabel,
		WriteLabel:    writeSelfLabel,
		Dial:          daemon.Connect,
		ExecFD:        execFD,
		Exec:          unix.Exec,
		SelfExe:       func() (string, error) { return os.Readlink("/proc/self/exe") },
		DetachOverlay: detachOverlay,
		WriteFile: func(path string, data []byte) error {
			return os.WriteFile(path, data, 0o755)
		},
		SpawnHelper: spawnHelper,
	}
}

func readSelfLabel() (string, error) {
	// Without an active enforcement mechanism classification falls back to
	// the argv marker, so the absence of the selinuxfs mount is an error
	// here, not an empty label.
	if _, err := os.Stat("/sys/fs/selinux"); err != nil {
		return "", fmt.Errorf("entry: no context enforcement: %w", err)
	}
	b, err := os.ReadFile(selfAttrPath)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00\n"), nil
}

func writeSelfLabel(label string) error {
	f, err := os.OpenFile(selfAttrPath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(label)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// execFD replaces the process image from an open descriptor. Going through
// /proc re-opens the file, so a CLOEXEC flag on fd does not matter.
func execFD(fd int, argv, env []string) error {
	return unix.Exec(fmt.Sprintf("/proc/self/fd/%d", fd), argv, env)
}

func detachOverlay(path string) error {
	err := unix.Unmount(path, unix.MNT_DETACH)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		// Nothing mounted there; detaching is idempotent.
		return nil
	}
	return err
}

// spawnHelper re-execs this binary as the passthrough helper. The socket end
// is mapped to descriptor 3 in the child and survives the exec; the helper
// is fire-and-forget, the parent only ever talks to it through the pair.
func spawnHelper(sock int, bitness int32) error {
	dup, err := unix.Dup(sock)
	if err != nil {
		return err
	}
	f := os.NewFile(uintptr(dup), "passthrough socket")
	defer f.Close()

	cmd := exec.Command("/proc/self/exe", "passthrough", "3", strconv.Itoa(int(bitness)))
	cmd.ExtraFiles = []*os.File{f}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
