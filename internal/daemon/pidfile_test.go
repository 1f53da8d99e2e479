package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antfarm.pid")
	pf := NewPIDFile(path)

	if err := pf.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !pf.IsRunning() {
		t.Fatal("own pid must register as running")
	}

	// A second acquire by the same process is allowed (restart-in-place).
	if err := pf.Acquire(); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}

	pf.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("release must remove the pid file")
	}
}

func TestPIDFileReclaimsStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antfarm.pid")
	// A pid far beyond pid_max cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write stale pid: %v", err)
	}
	pf := NewPIDFile(path)
	if pf.IsRunning() {
		t.Fatal("stale pid must not register as running")
	}
	if err := pf.Acquire(); err != nil {
		t.Fatalf("acquire over stale pid: %v", err)
	}
}

func TestPIDFileIgnoresGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antfarm.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	pf := NewPIDFile(path)
	if pf.IsRunning() {
		t.Fatal("garbage pid file must not register as running")
	}
	if err := pf.Acquire(); err != nil {
		t.Fatalf("acquire over garbage: %v", err)
	}
}
