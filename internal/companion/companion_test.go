//go:build linux

package companion

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/substratum-dev/zygon/internal/wire"
)

func testPair(t *testing.T) (int, int) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return pair[0], pair[1]
}

// startDaemon builds a registry from entries (nil slots allowed) and runs the
// service loop on one end of a socketpair, returning the main-daemon end.
func startDaemon(t *testing.T, entries []Entry) (control int, done <-chan error) {
	t.Helper()
	local, remote := testPair(t)
	d := &Daemon{
		control: remote,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		modules: entries,
	}
	ch := make(chan error, 1)
	go func() {
		err := d.serve()
		_ = unix.Close(remote)
		ch <- err
		close(ch)
	}()
	t.Cleanup(func() {
		_ = unix.Close(local)
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Error("service loop did not terminate after control close")
		}
	})
	return local, ch
}

// sendClient relays a client connection the way the main daemon does and
// writes the module id on the client side, the way the ultimate caller does.
// It returns the caller's end of the client connection.
func sendClient(t *testing.T, control int, id int32) int {
	t.Helper()
	caller, client := testPair(t)
	if err := wire.SendFD(control, client); err != nil {
		t.Fatalf("relay client fd: %v", err)
	}
	// The daemon holds its own duplicate now.
	_ = unix.Close(client)
	if err := wire.WriteInt(caller, id); err != nil {
		t.Fatalf("write module id: %v", err)
	}
	return caller
}

// waitEOF reports whether fd reaches EOF before the deadline, i.e. the other
// end was closed.
func waitEOF(t *testing.T, fd int) bool {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, 5000); err != nil {
		t.Fatalf("poll: %v", err)
	}
	var buf [1]byte
	n, err := unix.Read(fd, buf[:])
	return n == 0 && err == nil
}

func TestLoadModulesDegradesFailedSlots(t *testing.T) {
	local, remote := testPair(t)
	defer unix.Close(local)
	defer unix.Close(remote)

	var calls int32
	d := &Daemon{
		control: remote,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		load: func(fd int) (Entry, error) {
			if atomic.AddInt32(&calls, 1) == 2 {
				return nil, errors.New("no entry symbol")
			}
			return func(int) {}, nil
		},
	}

	dir := t.TempDir()
	var fds []int
	for i := 0; i < 3; i++ {
		f, err := os.CreateTemp(dir, "module")
		if err != nil {
			t.Fatalf("create temp: %v", err)
		}
		defer f.Close()
		fds = append(fds, int(f.Fd()))
	}
	if err := wire.SendFDs(local, fds); err != nil {
		t.Fatalf("send module fds: %v", err)
	}

	if err := d.loadModules(); err != nil {
		t.Fatalf("loadModules: %v", err)
	}
	ack, err := wire.ReadInt(local)
	if err != nil || ack != 0 {
		t.Fatalf("ack: got=%d err=%v, want 0", ack, err)
	}
	if len(d.modules) != 3 {
		t.Fatalf("registry size: got=%d want=3", len(d.modules))
	}
	if d.modules[0] == nil || d.modules[1] != nil || d.modules[2] == nil {
		t.Fatalf("registry slots: got=[%v %v %v] want=[set nil set]",
			d.modules[0] != nil, d.modules[1] != nil, d.modules[2] != nil)
	}
}

func TestServeClosesClientForEmptySlot(t *testing.T) {
	var invoked atomic.Int32
	control, _ := startDaemon(t, []Entry{
		func(int) { invoked.Add(1) },
		nil,
	})

	for _, id := range []int32{1, -1, 99} {
		caller := sendClient(t, control, id)
		if !waitEOF(t, caller) {
			t.Fatalf("module id %d: client fd not closed by daemon", id)
		}
		_ = unix.Close(caller)
	}
	if n := invoked.Load(); n != 0 {
		t.Fatalf("entry invoked %d times for empty/out-of-range slots", n)
	}
}

func TestServeDispatchesExactlyOnce(t *testing.T) {
	var invoked atomic.Int32
	control, _ := startDaemon(t, []Entry{
		func(client int) {
			invoked.Add(1)
			if err := wire.WriteInt(client, 42); err != nil {
				t.Errorf("entry write: %v", err)
			}
		},
	})

	caller := sendClient(t, control, 0)
	defer unix.Close(caller)

	reply, err := wire.ReadInt(caller)
	if err != nil {
		t.Fatalf("read entry reply: %v", err)
	}
	if reply != 42 {
		t.Fatalf("entry reply: got=%d want=42", reply)
	}
	if !waitEOF(t, caller) {
		t.Fatal("client fd not closed after entry returned")
	}
	if n := invoked.Load(); n != 1 {
		t.Fatalf("entry invoked %d times, want exactly 1", n)
	}
}

func TestInvokeSkipsCloseWhenDescriptorReused(t *testing.T) {
	// The module closes the client itself and the descriptor number is
	// immediately reassigned to an unrelated connection. The post-return
	// identity check must keep the daemon's hands off the new connection.
	reusedA, reusedB := testPair(t)
	defer unix.Close(reusedB)

	entered := make(chan int, 1)
	entry := Entry(func(client int) {
		// Atomically replace the client slot with the unrelated
		// connection, as a worst-case descriptor reuse.
		if err := unix.Dup3(reusedA, client, 0); err != nil {
			t.Errorf("dup3: %v", err)
		}
		entered <- client
	})

	d := &Daemon{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, client := testPair(t)
	done := make(chan struct{})
	go func() {
		d.invoke(entry, client)
		close(done)
	}()
	<-entered
	<-done

	// The reused descriptor must still be usable: it is the same file as
	// reusedA, which reusedB can hear.
	if err := wire.WriteInt(client, 7); err != nil {
		t.Fatalf("write through reused descriptor: %v", err)
	}
	got, err := wire.ReadInt(reusedB)
	if err != nil {
		t.Fatalf("read from reused connection: %v", err)
	}
	if got != 7 {
		t.Fatalf("reused connection payload: got=%d want=7", got)
	}
	_ = unix.Close(client)
	_ = unix.Close(reusedA)
}

func TestServeConcurrentDispatch(t *testing.T) {
	const n = 8

	release := make(chan struct{})
	var invocations [n]atomic.Int32
	entries := make([]Entry, n)
	for i := range entries {
		id := int32(i)
		entries[i] = func(client int) {
			invocations[id].Add(1)
			<-release // hold all tasks in flight simultaneously
			_ = wire.WriteInt(client, id)
		}
	}
	control, _ := startDaemon(t, entries)

	callers := make([]int, n)
	for i := range callers {
		callers[i] = sendClient(t, control, int32(i))
	}
	// Every task is blocked in its entry; the accept loop must still be
	// alive, which close(release) proves by letting all replies through.
	close(release)

	var wg sync.WaitGroup
	for i, caller := range callers {
		i, caller := i, caller
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unix.Close(caller)
			got, err := wire.ReadInt(caller)
			if err != nil {
				t.Errorf("caller %d: read reply: %v", i, err)
				return
			}
			if got != int32(i) {
				t.Errorf("caller %d: reply got=%d want=%d", i, got, i)
			}
		}()
	}
	wg.Wait()

	for i := range invocations {
		if got := invocations[i].Load(); got != 1 {
			t.Fatalf("module %d invoked %d times, want 1", i, got)
		}
	}
}

func TestServeTerminatesWhenControlCloses(t *testing.T) {
	control, done := startDaemon(t, []Entry{func(int) {}})
	_ = unix.Close(control)
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve returned nil after control close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not terminate after control close")
	}
}
