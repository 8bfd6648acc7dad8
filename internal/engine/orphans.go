package engine

import (
	"sync"
	"time"
)

// OrphanTracker counts orphaned chunks per user and decides when the backlog
// warrants a consolidation run. Injectable so tests can force or suppress
// triggers.
type OrphanTracker interface {
	// Record notes one newly orphaned chunk and reports whether
	// consolidation should be triggered for the user.
	Record(userID string) bool

	// Reset clears the user's counters after a consolidation run.
	Reset(userID string)
}

// orphanCounter triggers when a user's backlog reaches BacklogThreshold, or
// when BurstCount orphans arrive within BurstWindow. The burst path keeps
// lightly active users from waiting out the full backlog.
type orphanCounter struct {
	backlogThreshold int
	burstCount       int
	burstWindow      time.Duration
	now              func() time.Time

	mu    sync.Mutex
	users map[string]*orphanState
}

type orphanState struct {
	backlog int
	recent  []time.Time
}

// NewOrphanCounter builds the default tracker. Non-positive arguments fall
// back to 200 backlog, 3 orphans in 10 minutes.
func NewOrphanCounter(backlogThreshold, burstCount int, burstWindow time.Duration) OrphanTracker {
	if backlogThreshold <= 0 {
		backlogThreshold = 200
	}
	if burstCount <= 0 {
		burstCount = 3
	}
	if burstWindow <= 0 {
		burstWindow = 10 * time.Minute
	}
	return &orphanCounter{
		backlogThreshold: backlogThreshold,
		burstCount:       burstCount,
		burstWindow:      burstWindow,
		now:              time.Now,
		users:            make(map[string]*orphanState),
	}
}

func (o *orphanCounter) Record(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.users[userID]
	if !ok {
		st = &orphanState{}
		o.users[userID] = st
	}
	st.backlog++

	now := o.now()
	cutoff := now.Add(-o.burstWindow)
	kept := st.recent[:0]
	for _, t := range st.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.recent = append(kept, now)

	return st.backlog >= o.backlogThreshold || len(st.recent) >= o.burstCount
}

func (o *orphanCounter) Reset(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.users, userID)
}
