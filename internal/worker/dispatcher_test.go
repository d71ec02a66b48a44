package worker

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestDispatcherRunsJobsInOrderPerOwner(t *testing.T) {
	d := NewDispatcher(1, 1, 10, time.Minute)
	defer d.Stop()

	done := make(chan string, 3)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if err := d.Submit(Job{Owner: "u1", Kind: "test", Run: func() { done <- name }}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := waitFor(t, done, want); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestDispatcherBusyOwnerDoesNotStarveOthers(t *testing.T) {
	d := NewDispatcher(1, 2, 10, time.Minute)
	defer d.Stop()

	block := make(chan struct{})
	started := make(chan string, 1)
	done := make(chan string, 4)

	d.Submit(Job{Owner: "slow", Kind: "test", Run: func() {
		started <- "slow"
		<-block
		done <- "slow"
	}})
	waitFor(t, started, "slow job start")

	d.Submit(Job{Owner: "fast", Kind: "test", Run: func() { done <- "fast" }})
	if got := waitFor(t, done, "fast job"); got != "fast" {
		t.Fatalf("fast job should finish while slow one blocks, got %s", got)
	}
	close(block)
	if got := waitFor(t, done, "slow job"); got != "slow" {
		t.Fatalf("expected slow job to finish, got %s", got)
	}
}

func TestDispatcherRoundRobinsOwners(t *testing.T) {
	d := NewDispatcher(1, 1, 10, time.Minute)
	defer d.Stop()

	// hold the only worker so the queue builds up
	block := make(chan struct{})
	started := make(chan string, 1)
	d.Submit(Job{Owner: "x", Kind: "test", Run: func() { started <- "x"; <-block }})
	waitFor(t, started, "blocking job")

	var mu sync.Mutex
	var order []string
	finished := make(chan string, 4)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			finished <- name
		}
	}
	d.Submit(Job{Owner: "u1", Kind: "test", Run: record("u1-a")})
	d.Submit(Job{Owner: "u1", Kind: "test", Run: record("u1-b")})
	d.Submit(Job{Owner: "u1", Kind: "test", Run: record("u1-c")})
	d.Submit(Job{Owner: "u2", Kind: "test", Run: record("u2-a")})
	time.Sleep(50 * time.Millisecond)
	close(block)

	for i := 0; i < 4; i++ {
		waitFor(t, finished, "queued job")
	}
	mu.Lock()
	defer mu.Unlock()
	// u1-a was already taken off the queue when the worker freed up
	if order[0] != "u1-a" || order[1] != "u1-b" || order[2] != "u2-a" || order[3] != "u1-c" {
		t.Fatalf("owners should alternate, got %v", order)
	}
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	d := NewDispatcher(1, 1, 10, time.Minute)
	defer d.Stop()
	done := make(chan string, 1)
	d.Submit(Job{Owner: "u1", Kind: "test", Run: func() { panic("boom") }})
	d.Submit(Job{Owner: "u1", Kind: "test", Run: func() { done <- "after" }})
	waitFor(t, done, "job after panic")
}

func TestDispatcherCancelOwnerAndStop(t *testing.T) {
	d := NewDispatcher(1, 1, 10, time.Minute)
	block := make(chan struct{})
	started := make(chan string, 1)
	ran := make(chan string, 3)
	d.Submit(Job{Owner: "x", Kind: "test", Run: func() { started <- "x"; <-block }})
	waitFor(t, started, "blocking job")

	// the first u1 job is taken off the queue while it waits for the worker
	d.Submit(Job{Owner: "u1", Kind: "test", Run: func() { ran <- "first" }})
	d.Submit(Job{Owner: "u1", Kind: "test", Run: func() { ran <- "cancelled" }})
	time.Sleep(50 * time.Millisecond)
	if d.Pending("u1") != 1 {
		t.Fatalf("expected one pending job, got %d", d.Pending("u1"))
	}
	d.CancelOwner("u1")
	if d.Pending("u1") != 0 {
		t.Fatalf("expected no pending jobs after cancel, got %d", d.Pending("u1"))
	}
	d.Submit(Job{Owner: "u2", Kind: "test", Run: func() { ran <- "kept" }})
	close(block)
	if got := waitFor(t, ran, "first job"); got != "first" {
		t.Fatalf("expected first job, got %s", got)
	}
	if got := waitFor(t, ran, "kept job"); got != "kept" {
		t.Fatalf("cancelled job ran: %s", got)
	}
	select {
	case got := <-ran:
		t.Fatalf("unexpected job ran: %s", got)
	case <-time.After(50 * time.Millisecond):
	}

	d.Stop()
	if err := d.Submit(Job{Owner: "u1", Kind: "test", Run: func() {}}); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPoolRetiresIdleWorkersAboveMin(t *testing.T) {
	quit := make(chan struct{})
	defer close(quit)
	p := newJobChannelPool(1, 3, 20*time.Millisecond, quit)
	p.spawnWorker()
	p.spawnWorker()
	p.spawnWorker()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := p.size(); running == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	running, _ := p.size()
	t.Fatalf("expected idle workers to retire down to 1, have %d", running)
}
