package control

import (
	"testing"

	"github.com/cwsl/waterfall-recorder/internal/waterfall"
)

func TestTrackerCountsEvents(t *testing.T) {
	tr := NewTracker()
	tr.RowPushed()
	tr.RowPushed()
	tr.RowPushed()
	tr.SnapshotReserved()
	tr.SnapshotOverrun()
	tr.TileWritten()

	st := tr.Status()
	if st.RowsPushed != 3 {
		t.Errorf("RowsPushed = %d, want 3", st.RowsPushed)
	}
	if st.SnapshotsReserved != 1 {
		t.Errorf("SnapshotsReserved = %d, want 1", st.SnapshotsReserved)
	}
	if st.Overruns != 1 {
		t.Errorf("Overruns = %d, want 1", st.Overruns)
	}
	if st.TilesWritten != 1 {
		t.Errorf("TilesWritten = %d, want 1", st.TilesWritten)
	}
	if st.LastOverrunAt.IsZero() {
		t.Error("expected LastOverrunAt to be set")
	}
}

func TestRecordSnapshotKeepsBoundedHistory(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < recentSnapshotCapacity+5; i++ {
		tr.RecordSnapshot("path", waterfall.TileMeta{Origin: "o", Length: 10})
	}
	st := tr.Status()
	if len(st.Recent) != recentSnapshotCapacity {
		t.Fatalf("recent history len = %d, want %d", len(st.Recent), recentSnapshotCapacity)
	}
}

func TestRecordSnapshotCapturesDirty(t *testing.T) {
	tr := NewTracker()
	tr.RecordSnapshot("snapshot_test.fits", waterfall.TileMeta{Origin: "loc", Length: 5, Dirty: true})
	st := tr.Status()
	if len(st.Recent) != 1 || !st.Recent[0].Dirty {
		t.Fatalf("expected one dirty record, got %+v", st.Recent)
	}
}
