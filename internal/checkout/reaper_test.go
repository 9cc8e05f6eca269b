package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-core/internal/orders"
)

type fakeLease struct {
	held     bool
	err      error
	released int
}

func (l *fakeLease) TryAcquire(ctx context.Context) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, nil
	}
	return func() { l.released++ }, nil
}

func TestReaper_CancelsExpiredUnpaidOrders(t *testing.T) {
	f := newFixture(t)
	expired := f.order(t, ItemRequest{ProductID: "p1", Quantity: 5})
	fresh := f.order(t, ItemRequest{ProductID: "p1", Quantity: 1})
	cancelled := f.order(t, ItemRequest{ProductID: "p3", Quantity: 4})
	if err := f.svc.CancelOrder(context.Background(), cancelled.ID, "user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.store.SetCreatedAt(expired.ID, fixedNow.Add(-45*time.Minute))
	f.store.SetCreatedAt(cancelled.ID, fixedNow.Add(-45*time.Minute))
	f.store.SetCreatedAt(fresh.ID, fixedNow.Add(-10*time.Minute))

	r := NewReaper(f.svc, ReaperConfig{}, nil)
	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}

	got, _ := f.svc.GetOrder(context.Background(), expired.ID)
	if got.Status != orders.StatusCancelled || got.CancelReason != ReasonTimeout {
		t.Fatalf("expected timeout cancel, got %s %q", got.Status, got.CancelReason)
	}
	if got, _ := f.svc.GetOrder(context.Background(), fresh.ID); got.Status != orders.StatusUnpaid {
		t.Fatalf("fresh order must stay UNPAID, got %s", got.Status)
	}
	if got, _ := f.svc.GetOrder(context.Background(), cancelled.ID); got.CancelReason != "user" {
		t.Fatalf("already cancelled order must be untouched, got reason %q", got.CancelReason)
	}
	// 10 - 5 - 1 + 5
	if q := f.quantity(t, "p1"); q != 9 {
		t.Fatalf("expected quantity 9, got %d", q)
	}
	if q := f.quantity(t, "p3"); q != 100 {
		t.Fatalf("expected p3 restored once, got %d", q)
	}

	n, err = r.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected idempotent second sweep, got %d %v", n, err)
	}
	if q := f.quantity(t, "p1"); q != 9 {
		t.Fatalf("second sweep changed stock: %d", q)
	}
}

func TestReaper_BatchLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		o := f.order(t, ItemRequest{ProductID: "p3", Quantity: 1})
		f.store.SetCreatedAt(o.ID, fixedNow.Add(-time.Hour-time.Duration(i)*time.Minute))
	}
	r := NewReaper(f.svc, ReaperConfig{Batch: 2}, nil)
	if n, _ := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected 2 in first batch, got %d", n)
	}
	if n, _ := r.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 in second batch, got %d", n)
	}
}

func TestReaper_PerOrderFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	a := f.order(t, ItemRequest{ProductID: "p1", Quantity: 1})
	b := f.order(t, ItemRequest{ProductID: "p1", Quantity: 1})
	f.store.SetCreatedAt(a.ID, fixedNow.Add(-2*time.Hour))
	f.store.SetCreatedAt(b.ID, fixedNow.Add(-time.Hour))
	f.store.InjectFault("inventory.increase:p1", errors.New("row locked"))

	r := NewReaper(f.svc, ReaperConfig{}, nil)
	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep must not fail on per-order errors, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing cancelled, got %d", n)
	}

	f.store.InjectFault("inventory.increase:p1", nil)
	if n, _ := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("expected both orders cancelled on retry, got %d", n)
	}
}

func TestReaper_Lease(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, ItemRequest{ProductID: "p1", Quantity: 1})
	f.store.SetCreatedAt(o.ID, fixedNow.Add(-time.Hour))

	lease := &fakeLease{held: true}
	r := NewReaper(f.svc, ReaperConfig{}, lease)
	if n, err := r.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected skipped sweep, got %d %v", n, err)
	}

	lease.err = errors.New("redis down")
	if _, err := r.Sweep(context.Background()); err == nil {
		t.Fatalf("expected lease error")
	}

	lease.err, lease.held = nil, false
	if n, err := r.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one cancel, got %d %v", n, err)
	}
	if lease.released != 1 {
		t.Fatalf("expected lease released once, got %d", lease.released)
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(f.svc, ReaperConfig{Interval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop")
	}
}
