package flow

import (
	"testing"
	"time"

	"github.com/flowmux/flowmux/clock"
)

func TestReceiptNotAbandonedBeforeStartBy(t *testing.T) {
	clk := &clock.Sim{}
	r := newReceipt(clk, 100*time.Millisecond, 0, nil, nil)
	clk.Advance(50 * time.Millisecond)
	if r.Abandoned() {
		t.Fatal("receipt abandoned before its startBy deadline elapsed")
	}
}

func TestReceiptAbandonedAfterStartByIfNotStarted(t *testing.T) {
	clk := &clock.Sim{}
	r := newReceipt(clk, 100*time.Millisecond, 0, nil, nil)
	clk.Advance(150 * time.Millisecond)
	if !r.Abandoned() {
		t.Fatal("expected receipt abandoned once startBy elapsed with no fragment sent")
	}
}

func TestReceiptUsesEndByOnceStarted(t *testing.T) {
	clk := &clock.Sim{}
	r := newReceipt(clk, 50*time.Millisecond, 200*time.Millisecond, nil, nil)
	clk.Advance(100 * time.Millisecond) // past startBy
	r._onStarted()
	if r.Abandoned() {
		t.Fatal("once started, startBy no longer applies; should not be abandoned yet")
	}
	clk.Advance(150 * time.Millisecond) // now past endBy (250ms total)
	if !r.Abandoned() {
		t.Fatal("expected receipt abandoned once endBy elapsed after starting")
	}
}

func TestReceiptSentWinsOverAbandoned(t *testing.T) {
	clk := &clock.Sim{}
	r := newReceipt(clk, 10*time.Millisecond, 10*time.Millisecond, nil, nil)
	r._onStarted()
	r._onSent()
	clk.Advance(time.Hour)
	if r.Abandoned() {
		t.Fatal("a fully sent message must never report Abandoned, regardless of elapsed age")
	}
}

func TestReceiptCallbacksFireExactlyOnce(t *testing.T) {
	clk := &clock.Sim{}
	var sentCount, abandonedCount int
	r := newReceipt(clk, 0, 0,
		func(*WriteReceipt) { sentCount++ },
		func(*WriteReceipt) { abandonedCount++ })

	r._onSent()
	r._onSent() // must be a no-op
	r._abandon() // must also be a no-op: already fired as sent

	if sentCount != 1 {
		t.Errorf("onSent fired %d times, want 1", sentCount)
	}
	if abandonedCount != 0 {
		t.Errorf("onAbandoned fired %d times, want 0", abandonedCount)
	}
}

func TestReceiptAbandonCallbackFiresOnceAndBlocksSent(t *testing.T) {
	clk := &clock.Sim{}
	var sentCount, abandonedCount int
	r := newReceipt(clk, 0, 0,
		func(*WriteReceipt) { sentCount++ },
		func(*WriteReceipt) { abandonedCount++ })

	r._abandon()
	r._abandon() // no-op
	r._onSent()  // must not fire onSent: already abandoned

	if abandonedCount != 1 {
		t.Errorf("onAbandoned fired %d times, want 1", abandonedCount)
	}
	if sentCount != 0 {
		t.Errorf("onSent fired %d times after abandon, want 0", sentCount)
	}
}

func TestReceiptNoDeadlineNeverExpires(t *testing.T) {
	clk := &clock.Sim{}
	r := newReceipt(clk, 0, 0, nil, nil)
	clk.Advance(365 * 24 * time.Hour)
	if r.Abandoned() {
		t.Fatal("a receipt with no deadlines must never abandon on its own")
	}
}
