package daemon

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireLock_Fresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := acquireLock(path); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	pid, err := readLockPID(path)
	if err != nil {
		t.Fatalf("readLockPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	releaseLock(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("release must remove own lock")
	}
}

func TestAcquireLock_AlreadyRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := acquireLock(path); err != nil {
		t.Fatal(err)
	}
	// Own pid is alive, so a second acquisition must refuse.
	if err := acquireLock(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestAcquireLock_StaleLockRecovered(t *testing.T) {
	// A finished process gives us a pid that is almost certainly dead.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	deadPID := cmd.Process.Pid
	if pidAlive(deadPID) {
		t.Skipf("pid %d unexpectedly alive", deadPID)
	}

	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte(`{"pid":`+strconv.Itoa(deadPID)+`,"startedAt":"2026-08-24T00:00:00Z"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := acquireLock(path); err != nil {
		t.Fatalf("stale lock not recovered: %v", err)
	}
	pid, _ := readLockPID(path)
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want own", pid)
	}
}

func TestReadLockPID_LegacyBareInt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("1234"), 0o644); err != nil {
		t.Fatal(err)
	}
	pid, err := readLockPID(path)
	if err != nil {
		t.Fatalf("readLockPID: %v", err)
	}
	if pid != 1234 {
		t.Fatalf("pid = %d, want 1234", pid)
	}
}

func TestDaemonState_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	st := newDaemonState()
	st.VerifyAttempts["001-a"] = 2
	st.WorktreeFailures["002-b"] = 1
	if err := st.save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadState(dir)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if got.VerifyAttempts["001-a"] != 2 || got.WorktreeFailures["002-b"] != 1 {
		t.Fatalf("state = %+v", got)
	}
}

func TestDaemonState_CorruptedStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := loadState(dir)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if len(st.VerifyAttempts) != 0 || len(st.WorktreeFailures) != 0 {
		t.Fatalf("corrupted state must reset, got %+v", st)
	}
}
