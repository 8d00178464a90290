package libav

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(t *testing.T, base time.Time, d time.Duration) time.Time {
	t.Helper()
	return base.Add(d)
}

// TestNextSyncSessionWork_IndependentPerSessionScheduling: each
// session's next-frame deadline advances on its own schedule, and the
// sweep reports exactly the sessions due "now" without disturbing
// sessions that still have time left.
func TestNextSyncSessionWork_IndependentPerSessionScheduling(t *testing.T) {
	now := time.Now()
	fast := &syncSession{nextFrame: at(t, now, -time.Millisecond)}  // overdue
	exact := &syncSession{nextFrame: now}                           // due exactly now
	slow := &syncSession{nextFrame: at(t, now, 50*time.Millisecond)} // not due yet

	soonest, due := nextSyncSessionWork(now, []*syncSession{fast, exact, slow})

	assert.Equal(t, fast.nextFrame, soonest, "soonest must be the earliest deadline across all sessions")
	assert.ElementsMatch(t, []int{0, 1}, due, "only sessions whose deadline has arrived are due")
}

func TestNextSyncSessionWork_NoneDue(t *testing.T) {
	now := time.Now()
	a := &syncSession{nextFrame: at(t, now, 10*time.Millisecond)}
	b := &syncSession{nextFrame: at(t, now, 20*time.Millisecond)}

	soonest, due := nextSyncSessionWork(now, []*syncSession{a, b})

	assert.Equal(t, a.nextFrame, soonest)
	assert.Empty(t, due)
}

func TestNextSyncSessionWork_EmptySessionList(t *testing.T) {
	now := time.Now()
	soonest, due := nextSyncSessionWork(now, nil)
	assert.True(t, soonest.IsZero())
	assert.Empty(t, due)
}
