//go:build linux

// Package entry implements the protocol run inside a freshly forked process
// from the application pool, before specialization: classify the context,
// negotiate an instrumented image with the main daemon, and replace the
// process image, falling back to the clean on-disk binary on any failure.
//
// Every path through Run is terminal: the process either becomes the target
// binary's image or exits with a failure status. Nothing here outlives the
// transition.
package entry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/substratum-dev/zygon/internal/daemon"
	"github.com/substratum-dev/zygon/internal/envfilter"
)

const (
	// PoolManagerLabel is the MAC label of the process pool manager about
	// to specialize into an application. Only an exact match counts.
	PoolManagerLabel = "u:r:zygote:s0"
	// UnconfinedLabel is written to the process's own attr file before
	// exec so the target and its preload chain run unconstrained by the
	// specialization-time context.
	UnconfinedLabel = "u:r:init:s0"
	// PoolManagerFlag marks the pool-manager invocation when no MAC
	// mechanism is active to classify by label.
	PoolManagerFlag = "--zygote"

	// HijackLib is the fixed shared-object path appended to LD_PRELOAD so
	// instrumentation attaches before any application code loads.
	HijackLib = "/dev/zygon/libzygon-hijack.so"
	// RuntimeDirEnv communicates the daemon-assigned private runtime
	// directory to the hijack library.
	RuntimeDirEnv = "ZYGON_TMP"

	// loaderName is the file the received loader image is materialized
	// under inside the runtime directory.
	loaderName = "zygon-ld"

	maxLoaderSize = 1 << 24
	maxPathLen    = 4096
)

var errDaemonRefused = errors.New("entry: daemon refused setup")

// Process is the process-wide state the entry protocol reads and mutates:
// argv, the environment block, the security-context label, and the
// irreversible operations (exec, overlay detach, daemon dial, helper spawn).
// It exists so tests can run the full sequence against a fake and assert
// before/after snapshots.
type Process struct {
	Args []string
	Env  []string
	Log  *slog.Logger

	// ReadLabel returns this process's MAC label, or an error when no
	// context-enforcement mechanism is active.
	ReadLabel func() (string, error)
	// WriteLabel switches this process's own MAC label.
	WriteLabel func(label string) error
	// Dial opens a new request connection to the main daemon.
	Dial func() (*daemon.Conn, error)
	// ExecFD replaces the process image from an open descriptor. It
	// returns only on failure.
	ExecFD func(fd int, argv, env []string) error
	// Exec replaces the process image from a path. It returns only on
	// failure.
	Exec func(path string, argv, env []string) error
	// SelfExe resolves the process's own on-disk image.
	SelfExe func() (string, error)
	// DetachOverlay lazily unmounts a private-mount overlay on path.
	// Detaching an overlay that was never mounted is not an error.
	DetachOverlay func(path string) error
	// WriteFile materializes received payload bytes.
	WriteFile func(path string, data []byte) error
	// SpawnHelper re-execs this binary as the passthrough helper with the
	// given socket end surviving the exec.
	SpawnHelper func(sock int, bitness int32) error
}

// Run executes the terminal state machine. A nil return means the image was
// replaced (or, under a test fake, that the exec hook accepted the
// replacement); an error means the process must exit with a failure status.
func Run(p *Process) error {
	if !p.isPoolManager() {
		// Non-pool-manager contexts get a clean, uninstrumented image
		// or nothing. No fallback, no retry.
		return p.passthrough()
	}
	if err := p.setup(); err != nil {
		p.Log.Debug("setup failed, falling back to clean image", "error", err)
		return p.fallback()
	}
	return nil
}

// isPoolManager classifies the current process. With a context-enforcement
// mechanism active, only an exact label match counts; otherwise only an
// exact marker flag in argv.
func (p *Process) isPoolManager() bool {
	if label, err := p.ReadLabel(); err == nil {
		return label == PoolManagerLabel
	}
	for _, arg := range p.Args {
		if arg == PoolManagerFlag {
			return true
		}
	}
	return false
}

// setup drives the SETUP negotiation and, on success, execs the instrumented
// target. Any failure past the request falls through to the caller's
// fallback; no step is retried.
func (p *Process) setup() error {
	conn, err := p.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Request(daemon.RequestSetup); err != nil {
		return err
	}
	status, err := conn.ReadInt()
	if err != nil {
		return err
	}
	if status != 0 {
		return errDaemonRefused
	}

	loader, err := conn.ReadBytes(maxLoaderSize)
	if err != nil {
		return fmt.Errorf("entry: loader payload: %w", err)
	}
	targetFD, err := conn.RecvFD()
	if err != nil {
		return fmt.Errorf("entry: target binary fd: %w", err)
	}
	runtimeDir, err := conn.ReadString(maxPathLen)
	if err != nil {
		return fmt.Errorf("entry: runtime directory: %w", err)
	}
	if err := p.WriteFile(filepath.Join(runtimeDir, loaderName), loader); err != nil {
		return fmt.Errorf("entry: materialize loader: %w", err)
	}

	p.appendPreload(HijackLib)
	p.setEnv(RuntimeDirEnv, runtimeDir)

	// Past this point the process is committed to the unconfined context.
	// The sanitizer runs last, immediately before the one-way exec
	// boundary, after all daemon communication is done.
	if err := p.WriteLabel(UnconfinedLabel); err != nil {
		return fmt.Errorf("entry: switch context: %w", err)
	}
	p.Env = envfilter.Sanitize(p.Env)

	_ = conn.Close()
	return p.ExecFD(targetFD, p.Args, p.Env)
}

// fallback re-execs the process's own on-disk image with argv and
// environment untouched, detaching any self-overlay first. Non-recoverable
// if this also fails.
func (p *Process) fallback() error {
	self, err := p.SelfExe()
	if err != nil {
		return fmt.Errorf("entry: resolve own image: %w", err)
	}
	// Idempotent: an overlay that was never mounted detaches to a no-op.
	_ = p.DetachOverlay("/proc/self/exe")
	return p.Exec(self, p.Args, p.Env)
}

// appendPreload inserts path into LD_PRELOAD, appending with the path
// separator rather than overwriting a pre-existing value.
func (p *Process) appendPreload(path string) {
	if existing, ok := p.getEnv("LD_PRELOAD"); ok {
		p.setEnv("LD_PRELOAD", existing+":"+path)
		return
	}
	p.setEnv("LD_PRELOAD", path)
}

func (p *Process) getEnv(name string) (string, bool) {
	prefix := name + "="
	for _, e := range p.Env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):], true
		}
	}
	return "", false
}

func (p *Process) setEnv(name, value string) {
	prefix := name + "="
	for i, e := range p.Env {
		if strings.HasPrefix(e, prefix) {
			p.Env[i] = prefix + value
			return
		}
	}
	p.Env = append(p.Env, prefix+value)
}
