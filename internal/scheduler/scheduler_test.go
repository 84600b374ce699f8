// internal/scheduler/scheduler_test.go
package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chordlog/internal/types"
)

func waitForFires(t *testing.T, fires *atomic.Int32, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("handler did not fire within %v, fires=%d", within, fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	handler := func(name string) {
		if name == "every-second" {
			fires.Add(1)
		}
	}

	sched := New([]Job{{Name: "every-second", Schedule: "* * * * * *", Enabled: true}}, handler, nil)
	if n := sched.Start(); n != 1 {
		t.Fatalf("expected 1 registered job, got %d", n)
	}
	defer sched.Stop()

	waitForFires(t, &fires, 2500*time.Millisecond)
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	var fires atomic.Int32
	handler := func(name string) {
		fires.Add(1)
	}

	jobs := []Job{
		{Name: "disabled-job", Schedule: "* * * * * *", Enabled: false},
		{Name: "no-schedule", Schedule: "", Enabled: true},
	}
	sched := New(jobs, handler, nil)
	if n := sched.Start(); n != 0 {
		t.Fatalf("expected 0 registered jobs, got %d", n)
	}
	defer sched.Stop()

	time.Sleep(2 * time.Second)

	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires, got %d", n)
	}
}

func TestSchedulerSkipsInvalidSchedule(t *testing.T) {
	sched := New([]Job{{Name: "bad", Schedule: "not a cron", Enabled: true}}, func(string) {}, nil)
	if n := sched.Start(); n != 0 {
		t.Errorf("expected invalid job to be skipped, got %d registered", n)
	}
	sched.Stop()
}

func TestSchedulerReload(t *testing.T) {
	var fires atomic.Int32
	sched := New(nil, func(string) { fires.Add(1) }, nil)
	if n := sched.Start(); n != 0 {
		t.Fatalf("expected no jobs, got %d", n)
	}
	defer sched.Stop()

	if n := sched.Reload([]Job{{Name: "reloaded", Schedule: "@every 1s", Enabled: true}}); n != 1 {
		t.Fatalf("expected 1 job after reload, got %d", n)
	}
	waitForFires(t, &fires, 2500*time.Millisecond)
}

func TestValidate(t *testing.T) {
	for _, schedule := range []string{"*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 30s"} {
		if err := Validate(schedule); err != nil {
			t.Errorf("Validate(%q) = %v", schedule, err)
		}
	}
	if err := Validate("61 * * * *"); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}

type fakeDrainer struct {
	calls atomic.Int32
}

func (f *fakeDrainer) Drain() []types.ParallelActionSet {
	f.calls.Add(1)
	return []types.ParallelActionSet{{Seq: 1}}
}

func TestDrainHandler(t *testing.T) {
	d := &fakeDrainer{}
	h := DrainHandler(d, nil)

	h("other")
	if d.calls.Load() != 0 {
		t.Fatal("non-drain job should not drain")
	}
	h(DrainJob)
	if d.calls.Load() != 1 {
		t.Errorf("expected 1 drain, got %d", d.calls.Load())
	}
}
