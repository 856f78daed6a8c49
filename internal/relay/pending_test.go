package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// pendingRecorder captures the callbacks of one Create call.
type pendingRecorder struct {
	resolved chan json.RawMessage
	rejected chan error
	partials chan json.RawMessage
}

func newPendingRecorder() *pendingRecorder {
	return &pendingRecorder{
		resolved: make(chan json.RawMessage, 1),
		rejected: make(chan error, 1),
		partials: make(chan json.RawMessage, 16),
	}
}

func (r *pendingRecorder) create(t *testing.T, p *PendingRequests, id, agentID string) {
	t.Helper()
	err := p.Create(id, agentID,
		func(payload json.RawMessage) { r.resolved <- payload },
		func(err error) { r.rejected <- err },
		func(payload json.RawMessage) { r.partials <- payload },
	)
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection arrived")
		return nil
	}
}

func TestPendingResolve(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	rec := newPendingRecorder()
	rec.create(t, p, "r1", "a1")

	if !p.Resolve("r1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("Resolve returned false for a live entry")
	}
	select {
	case payload := <-rec.resolved:
		if string(payload) != `{"ok":true}` {
			t.Errorf("payload = %s", payload)
		}
	default:
		t.Fatal("resolver not invoked")
	}

	if p.Len() != 0 {
		t.Errorf("Len = %d after resolve, want 0", p.Len())
	}
	// Second resolution is a no-op: the entry is gone.
	if p.Resolve("r1", nil) {
		t.Error("Resolve succeeded twice for the same id")
	}
}

func TestPendingTimeout(t *testing.T) {
	p := NewPendingRequests(30 * time.Millisecond)
	rec := newPendingRecorder()
	rec.create(t, p, "r1", "a1")

	if err := waitErr(t, rec.rejected); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("rejection = %v, want ErrRequestTimeout", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after timeout, want 0", p.Len())
	}
}

func TestPendingResolveDisarmsTimer(t *testing.T) {
	p := NewPendingRequests(30 * time.Millisecond)
	rec := newPendingRecorder()
	rec.create(t, p, "r1", "a1")

	if !p.Resolve("r1", nil) {
		t.Fatal("Resolve failed")
	}

	select {
	case err := <-rec.rejected:
		t.Errorf("reject fired after resolve: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPendingDuplicateID(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	rec := newPendingRecorder()
	rec.create(t, p, "r1", "a1")

	err := p.Create("r1", "a1", func(json.RawMessage) {}, func(error) {}, nil)
	if !errors.Is(err, ErrDuplicateCorrelationID) {
		t.Errorf("err = %v, want ErrDuplicateCorrelationID", err)
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
}

func TestPendingDeliverPartial(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	rec := newPendingRecorder()
	rec.create(t, p, "r1", "a1")

	for i := 0; i < 3; i++ {
		if !p.DeliverPartial("r1", json.RawMessage(`{"n":1}`)) {
			t.Fatal("DeliverPartial returned false for a live entry")
		}
	}
	if got := len(rec.partials); got != 3 {
		t.Errorf("partials delivered = %d, want 3", got)
	}

	// The entry stays live through partials and resolves normally.
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
	if !p.Resolve("r1", nil) {
		t.Error("Resolve failed after partials")
	}
	if p.DeliverPartial("r1", nil) {
		t.Error("DeliverPartial succeeded after resolution")
	}
}

func TestPendingDeliverPartialNilCallback(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	err := p.Create("r1", "a1", func(json.RawMessage) {}, func(error) {}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A non-streaming entry swallows partials without panicking.
	if !p.DeliverPartial("r1", json.RawMessage(`{}`)) {
		t.Error("DeliverPartial returned false for a live entry")
	}
}

func TestPendingCancelAll(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	recs := []*pendingRecorder{newPendingRecorder(), newPendingRecorder()}
	recs[0].create(t, p, "r1", "a1")
	recs[1].create(t, p, "r2", "a2")

	p.CancelAll(ErrBrowserDisconnected)

	for i, rec := range recs {
		if err := waitErr(t, rec.rejected); !errors.Is(err, ErrBrowserDisconnected) {
			t.Errorf("entry %d rejected with %v, want ErrBrowserDisconnected", i, err)
		}
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after CancelAll, want 0", p.Len())
	}
}

func TestPendingCancelByAgent(t *testing.T) {
	p := NewPendingRequests(time.Minute)
	hit := newPendingRecorder()
	miss := newPendingRecorder()
	hit.create(t, p, "r1", "gone")
	miss.create(t, p, "r2", "alive")

	p.CancelByAgent("gone", ErrAgentOffline)

	if err := waitErr(t, hit.rejected); !errors.Is(err, ErrAgentOffline) {
		t.Errorf("rejection = %v, want ErrAgentOffline", err)
	}
	select {
	case err := <-miss.rejected:
		t.Errorf("unrelated entry rejected: %v", err)
	default:
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
}
