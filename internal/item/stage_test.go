package item

import "testing"

func TestStageNext(t *testing.T) {
	tests := []struct {
		stage   Stage
		next    Stage
		wantErr bool
	}{
		{StageDiscovered, StageBlueprintGenerated, false},
		{StageBlueprintGenerated, StageApproved, false},
		{StageApproved, StageScheduled, false},
		{StageScheduled, StagePublished, false},
		{StagePublished, StageAnalyzed, false},
		{StageAnalyzed, "", true},
		{StageFailed, "", true},
		{StageCancelled, "", true},
		{Stage("bogus"), "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			next, err := tt.stage.Next()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Next(%q) expected error, got %q", tt.stage, next)
				}
				return
			}
			if err != nil {
				t.Errorf("Next(%q) unexpected error: %v", tt.stage, err)
			}
			if next != tt.next {
				t.Errorf("Next(%q) = %q, expected %q", tt.stage, next, tt.next)
			}
		})
	}
}

func TestStageCanTransition(t *testing.T) {
	tests := []struct {
		from Stage
		to   Stage
		want bool
	}{
		{StageDiscovered, StageBlueprintGenerated, true},
		{StageDiscovered, StageScheduled, false}, // no skipping
		{StageScheduled, StageApproved, false},   // no regression
		{StageApproved, StageFailed, true},
		{StageApproved, StageCancelled, true},
		{StageAnalyzed, StageFailed, false}, // terminal stays terminal
		{StageFailed, StageDiscovered, false},
		{StageCancelled, StageCancelled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%q -> %q) = %v, expected %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("ai tools", "seed-1")
	b := Fingerprint("ai tools", "seed-1")
	if a != b {
		t.Errorf("same inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length is %d, expected 64", len(a))
	}
	if c := Fingerprint("ai tools", "seed-2"); c == a {
		t.Errorf("different seeds produced the same fingerprint: %s", c)
	}
}

func TestNewItem(t *testing.T) {
	it := New("spring trends", "abc")
	if it.Stage != StageDiscovered {
		t.Errorf("new item stage = %q, expected %q", it.Stage, StageDiscovered)
	}
	if it.Version != 1 {
		t.Errorf("new item version = %d, expected 1", it.Version)
	}
	if it.Fingerprint == "" {
		t.Error("new item has empty fingerprint")
	}
}

func TestCloneIsolation(t *testing.T) {
	it := New("topic", "seed")
	it.Outputs.Hashtags = []string{"#one"}
	it.Outputs.PostIDs = map[string]string{"youtube": "a"}

	cp := it.Clone()
	cp.Outputs.Hashtags[0] = "#mutated"
	cp.Outputs.PostIDs["youtube"] = "b"
	cp.RecordFailure(StageBlueprintGenerated, "transient", "boom", 1)

	if it.Outputs.Hashtags[0] != "#one" {
		t.Error("clone shares hashtag slice with original")
	}
	if it.Outputs.PostIDs["youtube"] != "a" {
		t.Error("clone shares post ID map with original")
	}
	if len(it.Failures) != 0 {
		t.Error("clone shares failure slice with original")
	}
}
