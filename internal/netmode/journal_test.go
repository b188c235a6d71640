package netmode

import (
	"path/filepath"
	"testing"
)

func TestJournalRecordAndRecent(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "transitions.db"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	defer j.Close()

	steps := []struct {
		mode   Mode
		reason Reason
	}{
		{ModeAP, ReasonNoProfiles},
		{ModeConnecting, ReasonTryingProfiles},
		{ModeKiosk, ReasonConnectivityConfirmed},
	}
	for _, s := range steps {
		if err := j.Record(s.mode, s.reason, "timer"); err != nil {
			t.Fatalf("Record(%s) error = %v", s.mode, err)
		}
	}

	recent, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recent))
	}
	if recent[0].Mode != ModeKiosk || recent[1].Mode != ModeConnecting {
		t.Errorf("order = %s, %s; want newest first", recent[0].Mode, recent[1].Mode)
	}
	if recent[0].Source != "timer" || recent[0].At.IsZero() {
		t.Errorf("record = %+v", recent[0])
	}
}

func TestJournalNilSafety(t *testing.T) {
	var j *Journal
	if err := j.Record(ModeAP, ReasonNoProfiles, "timer"); err != nil {
		t.Errorf("nil Record() error = %v", err)
	}
	if recs, err := j.Recent(5); err != nil || recs != nil {
		t.Errorf("nil Recent() = %v, %v", recs, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}
