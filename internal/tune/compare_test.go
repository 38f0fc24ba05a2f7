package tune

import (
	"context"
	"errors"
	"math"
	"testing"
)

type fakeJudge struct {
	verdict Verdict
	err     error
	calls   int
}

func (j *fakeJudge) Judge(_ context.Context, _, _ string) (Verdict, error) {
	j.calls++
	return j.verdict, j.err
}

func TestCompare_RequiresMode(t *testing.T) {
	c := NewComparator(nil)
	_, err := c.Compare(context.Background(), 1.0, 1.0, CompareConfig{})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCompare_ExactMatch(t *testing.T) {
	c := NewComparator(nil)
	cases := []struct {
		name     string
		actual   any
		expected any
		want     float64
	}{
		{"equal strings", "positive", "positive", 1.0},
		{"different strings", "positive", "negative", 0.0},
		{"equal maps", map[string]any{"score": 5.0}, map[string]any{"score": 5.0}, 1.0},
		{"different maps", map[string]any{"score": 5.0}, map[string]any{"score": 4.0}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Compare(context.Background(), tc.actual, tc.expected, CompareConfig{Mode: CompareExact})
			if err != nil {
				t.Fatalf("Compare: %v", err)
			}
			if got.Similarity != tc.want {
				t.Errorf("similarity = %v, want %v", got.Similarity, tc.want)
			}
		})
	}
}

func TestCompareNumeric_ExponentialDecay(t *testing.T) {
	c := NewComparator(nil)
	got, err := c.Compare(context.Background(), 8.0, 10.0, CompareConfig{Mode: CompareNumeric})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	// relDiff = 2/10 = 0.2; similarity = exp(-0.4)
	want := math.Exp(-0.4)
	if math.Abs(got.Similarity-want) > 1e-9 {
		t.Errorf("similarity = %v, want %v", got.Similarity, want)
	}
}

func TestCompareNumeric_Symmetric(t *testing.T) {
	c := NewComparator(nil)
	pairs := [][2]any{{3.0, 7.0}, {-2.0, 5.0}, {"4.5", 9.0}, {0.0, 1.0}}
	for _, p := range pairs {
		ab, _ := c.Compare(context.Background(), p[0], p[1], CompareConfig{Mode: CompareNumeric})
		ba, _ := c.Compare(context.Background(), p[1], p[0], CompareConfig{Mode: CompareNumeric})
		if ab.Similarity != ba.Similarity {
			t.Errorf("compare(%v,%v)=%v but compare(%v,%v)=%v", p[0], p[1], ab.Similarity, p[1], p[0], ba.Similarity)
		}
	}
}

func TestCompareNumeric_Idempotent(t *testing.T) {
	c := NewComparator(nil)
	for _, v := range []any{0.0, 1.0, -3.5, 1e9, "42"} {
		got, _ := c.Compare(context.Background(), v, v, CompareConfig{Mode: CompareNumeric})
		if got.Similarity != 1.0 {
			t.Errorf("compare(%v,%v) = %v, want 1.0", v, v, got.Similarity)
		}
	}
}

func TestCompareNumeric_BothZero(t *testing.T) {
	c := NewComparator(nil)
	got, _ := c.Compare(context.Background(), 0.0, 0.0, CompareConfig{Mode: CompareNumeric})
	if got.Similarity != 1.0 {
		t.Errorf("similarity = %v, want 1.0", got.Similarity)
	}
}

func TestCompareNumeric_Unparsable(t *testing.T) {
	c := NewComparator(nil)
	got, err := c.Compare(context.Background(), "not a number", 5.0, CompareConfig{Mode: CompareNumeric})
	if err != nil {
		t.Fatalf("unparsable must not error: %v", err)
	}
	if got.Similarity != 0 {
		t.Errorf("similarity = %v, want 0", got.Similarity)
	}
}

func TestCompareNumeric_UnwrapsContainers(t *testing.T) {
	c := NewComparator(nil)
	cases := []any{
		map[string]any{"score": 7.0},
		map[string]any{"value": 7.0},
		map[string]any{"result": "7"},
		map[string]any{"rating": 7.0},
	}
	for i, actual := range cases[:3] {
		got, _ := c.Compare(context.Background(), actual, 7.0, CompareConfig{Mode: CompareNumeric})
		if got.Similarity != 1.0 {
			t.Errorf("case %d: similarity = %v, want 1.0", i, got.Similarity)
		}
	}
	// Custom target field unwraps non-standard containers.
	got, _ := c.Compare(context.Background(), cases[3], 7.0, CompareConfig{Mode: CompareNumeric, TargetField: "rating"})
	if got.Similarity != 1.0 {
		t.Errorf("target field: similarity = %v, want 1.0", got.Similarity)
	}
}

func TestCompareLLM_JudgeVerdict(t *testing.T) {
	j := &fakeJudge{verdict: Verdict{Similarity: 0.8, Reasoning: "close paraphrase"}}
	c := NewComparator(j)
	got, err := c.Compare(context.Background(), "a", "b", CompareConfig{Mode: CompareLLM})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if got.Similarity != 0.8 || got.Reasoning != "close paraphrase" {
		t.Errorf("got %+v", got)
	}
}

func TestCompareLLM_JudgeFailureFallsBackToExact(t *testing.T) {
	j := &fakeJudge{err: errors.New("judge down")}
	c := NewComparator(j)

	same, err := c.Compare(context.Background(), "x", "x", CompareConfig{Mode: CompareLLM})
	if err != nil {
		t.Fatalf("judge failure must not propagate: %v", err)
	}
	if same.Similarity != 1.0 {
		t.Errorf("identical pair: similarity = %v, want 1.0", same.Similarity)
	}

	diff, err := c.Compare(context.Background(), "x", "y", CompareConfig{Mode: CompareLLM})
	if err != nil {
		t.Fatalf("judge failure must not propagate: %v", err)
	}
	if diff.Similarity != 0.0 {
		t.Errorf("non-identical pair: similarity = %v, want 0.0", diff.Similarity)
	}
}

func TestCompareLLM_OutOfRangeVerdictFallsBack(t *testing.T) {
	j := &fakeJudge{verdict: Verdict{Similarity: 1.7}}
	c := NewComparator(j)
	got, err := c.Compare(context.Background(), "x", "y", CompareConfig{Mode: CompareLLM})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if got.Similarity != 0.0 {
		t.Errorf("similarity = %v, want exact-fallback 0.0", got.Similarity)
	}
}

func TestCompareAuto_RoutesNumericThenJudge(t *testing.T) {
	j := &fakeJudge{verdict: Verdict{Similarity: 0.5}}
	c := NewComparator(j)

	got, _ := c.Compare(context.Background(), "4", "4", CompareConfig{Mode: CompareAuto})
	if got.Similarity != 1.0 {
		t.Errorf("numeric pair: similarity = %v, want 1.0", got.Similarity)
	}
	if j.calls != 0 {
		t.Errorf("judge called %d times for numeric pair, want 0", j.calls)
	}

	got, _ = c.Compare(context.Background(), "good summary", "bad summary", CompareConfig{Mode: CompareAuto})
	if got.Similarity != 0.5 {
		t.Errorf("text pair: similarity = %v, want judge's 0.5", got.Similarity)
	}
	if j.calls != 1 {
		t.Errorf("judge called %d times for text pair, want 1", j.calls)
	}
}
