package tune

import "testing"

func TestAnalyzeSamples_DetectsFailureModes(t *testing.T) {
	a := NewPatternAnalyzer()
	samples := []SampleResult{
		{Expected: 5.0, Actual: 5.0, Similarity: 1.0},
		{Expected: 5.0, Actual: "not a number", Similarity: 0, Error: 1},
		{Expected: 5.0, ExecError: "timeout", Similarity: 0, Error: 1},
		{Expected: 5.0, Actual: 6.0, Similarity: 0.4, Error: 0.6},
	}

	patterns := a.AnalyzeSamples(samples)
	byType := map[string]FailurePattern{}
	for _, p := range patterns {
		byType[p.Type] = p
	}

	if p, ok := byType["execution-failure"]; !ok || p.Frequency != 0.25 {
		t.Errorf("execution-failure = %+v, want frequency 0.25", p)
	}
	if p, ok := byType["format-mismatch"]; !ok || p.Frequency != 0.25 {
		t.Errorf("format-mismatch = %+v, want frequency 0.25", p)
	}
	if p, ok := byType["total-miss"]; !ok || p.Frequency != 0.25 {
		t.Errorf("total-miss = %+v, want frequency 0.25", p)
	}
	if p, ok := byType["weak-agreement"]; !ok || p.Frequency != 0.25 {
		t.Errorf("weak-agreement = %+v, want frequency 0.25", p)
	}
	for _, p := range patterns {
		if p.SuggestedFix == "" {
			t.Errorf("pattern %s has no suggested fix", p.Type)
		}
	}
}

func TestAnalyzeSamples_SortedByFrequency(t *testing.T) {
	a := NewPatternAnalyzer()
	samples := []SampleResult{
		{Expected: 1.0, ExecError: "down"},
		{Expected: 1.0, ExecError: "down"},
		{Expected: 1.0, ExecError: "down"},
		{Expected: 1.0, Actual: 2.0, Similarity: 0.3},
	}
	patterns := a.AnalyzeSamples(samples)
	if len(patterns) < 2 {
		t.Fatalf("patterns = %v, want at least 2", patterns)
	}
	if patterns[0].Type != "execution-failure" {
		t.Errorf("most frequent pattern = %s, want execution-failure", patterns[0].Type)
	}
	for i := 1; i < len(patterns); i++ {
		if patterns[i].Frequency > patterns[i-1].Frequency {
			t.Errorf("patterns not sorted by frequency at %d", i)
		}
	}
}

func TestAnalyzeSamples_Empty(t *testing.T) {
	if got := NewPatternAnalyzer().AnalyzeSamples(nil); got != nil {
		t.Errorf("no samples should yield no patterns, got %v", got)
	}
}

func TestMergePatterns_AccumulatesAndKeepsMaxFrequency(t *testing.T) {
	acc := []FailurePattern{{Type: "total-miss", Frequency: 0.5}}

	acc = MergePatterns(acc, []FailurePattern{
		{Type: "total-miss", Frequency: 0.2},       // lower, kept at 0.5
		{Type: "format-mismatch", Frequency: 0.3},  // new
	})
	acc = MergePatterns(acc, []FailurePattern{
		{Type: "total-miss", Frequency: 0.8}, // higher, bumps
	})

	if len(acc) != 2 {
		t.Fatalf("merged patterns = %d, want 2", len(acc))
	}
	if acc[0].Type != "total-miss" || acc[0].Frequency != 0.8 {
		t.Errorf("total-miss = %+v, want frequency 0.8", acc[0])
	}
	if acc[1].Type != "format-mismatch" || acc[1].Frequency != 0.3 {
		t.Errorf("format-mismatch = %+v, want frequency 0.3", acc[1])
	}
}

func TestSeverityBuckets(t *testing.T) {
	cases := []struct {
		freq float64
		want string
	}{
		{0.9, "critical"},
		{0.71, "critical"},
		{0.7, "major"},
		{0.5, "major"},
		{0.4, "minor"},
		{0.1, "minor"},
	}
	for _, tc := range cases {
		if got := (FailurePattern{Frequency: tc.freq}).Severity(); got != tc.want {
			t.Errorf("severity(%g) = %q, want %q", tc.freq, got, tc.want)
		}
	}
}

func TestWeaknesses_OnlyCriticalAndMajor(t *testing.T) {
	out := Weaknesses([]FailurePattern{
		{Type: "execution-failure", Frequency: 0.9},
		{Type: "weak-agreement", Frequency: 0.5},
		{Type: "total-miss", Frequency: 0.1},
	})
	if len(out) != 2 {
		t.Fatalf("weaknesses = %v, want 2 entries (minor excluded)", out)
	}
}

func TestAssess_Labels(t *testing.T) {
	a := NewPatternAnalyzer()
	cases := []struct {
		prev, score float64
		want        string
	}{
		{0.5, 0.7, "significant improvement"},
		{0.5, 0.55, "moderate improvement"},
		{0.5, 0.4, "regression"},
		{0.5, 0.48, "plateau"},
		{0.5, 0.5, "plateau"},
	}
	for _, tc := range cases {
		as := a.Assess(tc.prev, tc.score, nil)
		if as.Label != tc.want {
			t.Errorf("assess(%g -> %g) = %q, want %q", tc.prev, tc.score, as.Label, tc.want)
		}
		if tc.want == "regression" && as.Suggestion == "" {
			t.Error("regression should carry a remediation suggestion")
		}
	}
}

func TestAssess_OscillationDetection(t *testing.T) {
	a := NewPatternAnalyzer()
	bouncing := []ImprovementStep{
		{Improvement: 0.1}, {Improvement: -0.1}, {Improvement: 0.1}, {Improvement: -0.1},
	}
	if as := a.Assess(0.5, 0.5, bouncing); !as.Oscillating {
		t.Error("alternating improvement signs should flag oscillation")
	}

	steady := []ImprovementStep{
		{Improvement: 0.1}, {Improvement: 0.05}, {Improvement: 0.02}, {Improvement: 0.01},
	}
	if as := a.Assess(0.5, 0.5, steady); as.Oscillating {
		t.Error("monotone improvements are not oscillation")
	}

	short := []ImprovementStep{{Improvement: 0.1}, {Improvement: -0.1}}
	if as := a.Assess(0.5, 0.5, short); as.Oscillating {
		t.Error("fewer than three steps cannot establish oscillation")
	}
}
