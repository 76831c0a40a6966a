package conversation

import (
	"testing"
	"time"
)

func TestTrackerCountsPerKey(t *testing.T) {
	tr := newStateTracker(time.Hour)
	if tr.turns("c1") != 0 {
		t.Error("fresh key should have zero turns")
	}
	tr.recordReply("c1")
	tr.recordReply("c1")
	tr.recordReply("c2")
	if tr.turns("c1") != 2 || tr.turns("c2") != 1 {
		t.Errorf("turns = %d, %d", tr.turns("c1"), tr.turns("c2"))
	}
}

func TestTrackerEvictsIdleKeys(t *testing.T) {
	tr := newStateTracker(time.Minute)
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.recordReply("old")
	if tr.size() != 1 {
		t.Fatalf("size = %d", tr.size())
	}

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	tr.turns("fresh")
	if tr.size() != 1 {
		t.Errorf("idle key not evicted, size = %d", tr.size())
	}
	if tr.turns("old") != 0 {
		t.Error("evicted key must restart at zero")
	}
}

func TestTrackerReset(t *testing.T) {
	tr := newStateTracker(time.Hour)
	tr.recordReply("c1")
	tr.reset("c1")
	if tr.turns("c1") != 0 {
		t.Error("reset key should have zero turns")
	}
}
