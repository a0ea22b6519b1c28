package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltratt/pizauthd/internal/clock"
)

func TestScheduleFiresAtDeadline(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	w.Schedule("work", clock.RefreshDue, time.Now().Add(10*time.Millisecond))

	select {
	case e := <-w.Fired():
		assert.Equal(t, "work", e.Account)
		assert.Equal(t, clock.RefreshDue, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelSuppressesDelivery(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	h := w.Schedule("work", clock.RefreshDue, time.Now().Add(10*time.Millisecond))
	w.Cancel(h)

	select {
	case e := <-w.Fired():
		t.Fatalf("cancelled entry must not fire, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRescheduleSupersedesPreviousEntryForSameKind(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	w.Schedule("work", clock.RefreshDue, time.Now().Add(10*time.Millisecond))
	// Reschedule to a later deadline before the first fires: only one
	// delivery should ever occur for (account, kind).
	w.Schedule("work", clock.RefreshDue, time.Now().Add(40*time.Millisecond))

	select {
	case <-w.Fired():
		t.Fatal("superseded entry must not fire")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case e := <-w.Fired():
		assert.Equal(t, "work", e.Account)
	case <-time.After(time.Second):
		t.Fatal("rescheduled entry did not fire")
	}
}

func TestCancelAccountTombstonesEveryKind(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	w.Schedule("work", clock.RefreshDue, time.Now().Add(10*time.Millisecond))
	w.Schedule("work", clock.RenotifyDue, time.Now().Add(10*time.Millisecond))
	w.CancelAccount("work")

	select {
	case e := <-w.Fired():
		t.Fatalf("all timers for a cancelled account must be suppressed, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLenCountsOnlyLiveEntries(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	h := w.Schedule("work", clock.RefreshDue, time.Now().Add(time.Hour))
	require.Equal(t, 1, w.Len())

	w.Cancel(h)
	assert.Equal(t, 0, w.Len())
}

func TestDifferentAccountsScheduleIndependently(t *testing.T) {
	w := clock.New()
	defer w.Stop()

	w.Schedule("a", clock.RefreshDue, time.Now().Add(10*time.Millisecond))
	w.Schedule("b", clock.RefreshDue, time.Now().Add(15*time.Millisecond))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-w.Fired():
			seen[e.Account] = true
		case <-time.After(time.Second):
			t.Fatal("expected both accounts' timers to fire")
		}
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}
