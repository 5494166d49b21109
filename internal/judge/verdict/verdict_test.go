package verdict

import "testing"

func TestAggregateAllAccepted(t *testing.T) {
	results := []CaseResult{
		{Ordinal: 1, Verdict: Accepted, TimeMs: 120, MemoryKB: 1024},
		{Ordinal: 2, Verdict: Accepted, TimeMs: 340, MemoryKB: 2048},
	}
	s := Aggregate(results, 2, false, 0)
	if s.Verdict != Accepted {
		t.Fatalf("expected accepted, got %s", s.Verdict)
	}
	if s.Score != 100 {
		t.Fatalf("expected score 100, got %d", s.Score)
	}
	if s.MaxTimeMs != 340 || s.MaxMemoryKB != 2048 {
		t.Fatalf("unexpected maxima: %d ms, %d KB", s.MaxTimeMs, s.MaxMemoryKB)
	}
}

func TestAggregatePriorityOrder(t *testing.T) {
	tests := []struct {
		name    string
		results []CaseResult
		want    Verdict
	}{
		{"wa dominates accepted", []CaseResult{{Verdict: Accepted}, {Verdict: WrongAnswer}}, WrongAnswer},
		{"tle dominates wa", []CaseResult{{Verdict: WrongAnswer}, {Verdict: TimeLimit}}, TimeLimit},
		{"mle dominates tle", []CaseResult{{Verdict: TimeLimit}, {Verdict: MemoryLimit}}, MemoryLimit},
		{"re dominates mle", []CaseResult{{Verdict: MemoryLimit}, {Verdict: RuntimeError}}, RuntimeError},
		{"se dominates everything", []CaseResult{{Verdict: RuntimeError}, {Verdict: SystemError}}, SystemError},
		{"ole dominates wa", []CaseResult{{Verdict: WrongAnswer}, {Verdict: OutputLimit}}, OutputLimit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Aggregate(tc.results, len(tc.results), false, 0)
			if s.Verdict != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, s.Verdict)
			}
			if s.Score != 0 {
				t.Fatalf("failed submission must score 0, got %d", s.Score)
			}
		})
	}
}

func TestAggregateZeroCases(t *testing.T) {
	s := Aggregate(nil, 0, false, 0)
	if s.Verdict != Accepted {
		t.Fatalf("zero-case problem must be accepted, got %s", s.Verdict)
	}
	if s.Score != 0 {
		t.Fatalf("zero-case problem must score 0, got %d", s.Score)
	}
}

func TestAggregatePartialScore(t *testing.T) {
	results := []CaseResult{
		{Ordinal: 1, Verdict: Accepted},
		{Ordinal: 2, Verdict: PartialCredit, Fraction: 0.5},
	}
	s := Aggregate(results, 2, true, 100)
	if s.Verdict != PartialCredit {
		t.Fatalf("expected partial_credit, got %s", s.Verdict)
	}
	// Accepted cases count as full credit in the partial average.
	if s.Score != 75 {
		t.Fatalf("expected score 75, got %d", s.Score)
	}
}

func TestAggregatePartialScoreFloors(t *testing.T) {
	results := []CaseResult{
		{Ordinal: 1, Verdict: PartialCredit, Fraction: 0.333},
	}
	s := Aggregate(results, 3, true, 100)
	if s.Score != 11 {
		t.Fatalf("expected floored score 11, got %d", s.Score)
	}
}

func TestAggregatePartialScoringDisabled(t *testing.T) {
	results := []CaseResult{{Ordinal: 1, Verdict: PartialCredit, Fraction: 0.5}}
	s := Aggregate(results, 1, false, 100)
	if s.Score != 0 {
		t.Fatalf("partial scoring disabled must score 0, got %d", s.Score)
	}
}

func TestFailureStopsJudging(t *testing.T) {
	if Accepted.Failure() {
		t.Fatalf("accepted is not a failure")
	}
	if PartialCredit.Failure() {
		t.Fatalf("partial credit keeps the run going")
	}
	for _, v := range []Verdict{WrongAnswer, TimeLimit, MemoryLimit, RuntimeError, OutputLimit, SystemError} {
		if !v.Failure() {
			t.Fatalf("%s must stop the loop", v)
		}
	}
}
