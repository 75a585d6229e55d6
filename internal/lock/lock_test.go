package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMutexMap_LockUnlockReleasesEntry(t *testing.T) {
	m := NewMutexMap()

	m.Lock("Tasks/a.md")
	if m.Len() != 1 {
		t.Fatalf("Len while held: got %d, want 1", m.Len())
	}
	m.Unlock("Tasks/a.md")
	if m.Len() != 0 {
		t.Errorf("Len after unlock: got %d, want 0", m.Len())
	}

	m.Lock("Tasks/a.md")
	m.Unlock("Tasks/a.md")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("Tasks/a.md")
	go func() {
		m.Lock("Tasks/b.md")
		m.Unlock("Tasks/b.md")
		close(done)
	}()

	<-done
	m.Unlock("Tasks/a.md")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64
	var inside int32

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Error("two holders inside the same key")
			}
			atomic.AddInt64(&counter, 1)
			atomic.AddInt32(&inside, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
	if m.Len() != 0 {
		t.Errorf("entries leaked: %d", m.Len())
	}
}

func TestFileLock_TryLockWritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "locks", "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, held := Holder(lockPath)
	if !held {
		t.Fatal("Holder reported free lock while held")
	}
	if pid != os.Getpid() {
		t.Errorf("pid: got %d, want %d", pid, os.Getpid())
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, held := Holder(lockPath); held {
		t.Error("Holder reported held lock after unlock")
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	fl.TryLock()
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}
