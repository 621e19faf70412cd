package constants

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to StageStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true}, // release / sweep
		{StatusFailed, StatusPending, true},     // requeue
		{StatusDone, StatusPending, true},       // reprocess
		{StatusPending, StatusDone, false},
		{StatusPending, StatusFailed, false},
		{StatusDone, StatusInProgress, false},
		{StatusDone, StatusFailed, false},
		{StatusFailed, StatusDone, false},
		{StatusFailed, StatusInProgress, false},
		{StageStatus("BOGUS"), StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPrerequisiteChain(t *testing.T) {
	if _, ok := Prerequisite(StageDownload); ok {
		t.Error("download must have no prerequisite")
	}
	want := map[Stage]Stage{
		StageExtract:  StageDownload,
		StageEntities: StageExtract,
		StageIndex:    StageEntities,
	}
	for stage, prereq := range want {
		got, ok := Prerequisite(stage)
		if !ok || got != prereq {
			t.Errorf("Prerequisite(%s) = %s, %v; want %s", stage, got, ok, prereq)
		}
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range AllStages {
		got, ok := ParseStage(string(s))
		if !ok || got != s {
			t.Errorf("ParseStage(%q) failed", s)
		}
	}
	if _, ok := ParseStage("upload"); ok {
		t.Error("unknown stage name must not parse")
	}
}
