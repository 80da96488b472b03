//go:build linux

package companion

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// EntrySymbol is the fixed symbol an extension module exports to provide
// companion code. Modules without it simply have no companion half.
const EntrySymbol = "zygon_companion_entry"

// Entry is a resolved companion entry point. It receives one open client
// connection descriptor and returns nothing; the caller owns the
// identity-checked close.
type Entry func(client int)

// LoadFunc attempts to resolve a companion entry point from a module image
// descriptor. The descriptor remains owned by the caller.
type LoadFunc func(fd int) (Entry, error)

var errNotRegular = errors.New("companion: module descriptor is not a regular file")

// LoadModule loads a module shared object directly from its descriptor,
// without touching a filesystem path, and resolves EntrySymbol. The dlopen
// mapping outlives the descriptor, so the caller may close fd afterwards.
func LoadModule(fd int) (Entry, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("companion: stat module fd: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, errNotRegular
	}
	if err := validateImage(fd); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/proc/self/fd/%d", fd)
	handle, err := purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("companion: dlopen %s: %w", path, err)
	}
	sym, err := purego.Dlsym(handle, EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("companion: resolve %s: %w", EntrySymbol, err)
	}
	if sym == 0 {
		return nil, fmt.Errorf("companion: symbol %s is nil", EntrySymbol)
	}
	return func(client int) {
		purego.SyscallN(sym, uintptr(client))
	}, nil
}

// validateImage rejects images that dlopen would either refuse noisily or,
// worse, map for a foreign ABI: the file must be a shared object built for
// the running architecture.
func validateImage(fd int) error {
	f, err := elf.NewFile(io.NewSectionReader(fdReaderAt{fd}, 0, 1<<62))
	if err != nil {
		return fmt.Errorf("companion: invalid module image: %w", err)
	}
	defer f.Close()

	machine, err := currentELFMachine()
	if err != nil {
		return err
	}
	if f.Machine != machine {
		return fmt.Errorf("companion: foreign module image (provided: %s, expected: %s)", f.Machine, machine)
	}
	if f.Type != elf.ET_DYN {
		return fmt.Errorf("companion: unsupported module image type: %s", f.Type)
	}
	return nil
}

func currentELFMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "386":
		return elf.EM_386, nil
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm":
		return elf.EM_ARM, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	default:
		return 0, fmt.Errorf("companion: unsupported architecture: %s", runtime.GOARCH)
	}
}

// fdReaderAt adapts a raw descriptor for debug/elf without taking ownership
// of it and without moving its offset.
type fdReaderAt struct{ fd int }

func (r fdReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(r.fd, p, off)
	if err == nil && n == 0 {
		err = io.EOF
	}
	return n, err
}
