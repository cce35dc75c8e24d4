package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleReplacesPendingTask(t *testing.T) {
	s := NewScheduler()
	var first, second atomic.Int32

	s.Schedule("rec_1", 30*time.Millisecond, func() { first.Add(1) })
	s.Schedule("rec_1", 10*time.Millisecond, func() { second.Add(1) })

	time.Sleep(60 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatal("replaced task must never run")
	}
	if second.Load() != 1 {
		t.Fatalf("replacement ran %d times, want 1", second.Load())
	}
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	s := NewScheduler()
	var a, b atomic.Int32

	s.Schedule("rec_1", 10*time.Millisecond, func() { a.Add(1) })
	s.Schedule("rec_2", 10*time.Millisecond, func() { b.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("runs = %d/%d, want 1/1", a.Load(), b.Load())
	}
}

func TestCancelStopsPendingTask(t *testing.T) {
	s := NewScheduler()
	var ran atomic.Int32

	s.Schedule("rec_1", 20*time.Millisecond, func() { ran.Add(1) })
	if !s.Cancel("rec_1") {
		t.Fatal("Cancel() = false, want true for a pending task")
	}

	time.Sleep(40 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("cancelled task must not run")
	}
	if s.Cancel("rec_1") {
		t.Fatal("Cancel() on an empty key must report false")
	}
}

func TestFlushRunsPendingTasksImmediately(t *testing.T) {
	s := NewScheduler()
	var ran atomic.Int32

	s.Schedule("rec_1", time.Hour, func() { ran.Add(1) })
	s.Schedule("rec_2", time.Hour, func() { ran.Add(1) })

	s.Flush()
	if ran.Load() != 2 {
		t.Fatalf("Flush() ran %d tasks, want 2", ran.Load())
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d after flush, want 0", s.Pending())
	}
}
