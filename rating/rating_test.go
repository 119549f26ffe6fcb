package rating

import (
	"errors"
	"math"
	"testing"
)

func TestExpectedScore_Symmetric(t *testing.T) {
	ratings := []float64{0, 400, 873.5, 1000, 1016, 1500, 2400, -200}
	for _, a := range ratings {
		for _, b := range ratings {
			sum := ExpectedScore(a, b) + ExpectedScore(b, a)
			if math.Abs(sum-1) > 1e-12 {
				t.Fatalf("ExpectedScore(%v,%v)+ExpectedScore(%v,%v)=%v want 1", a, b, b, a, sum)
			}
			e := ExpectedScore(a, b)
			if e <= 0 || e >= 1 {
				t.Fatalf("ExpectedScore(%v,%v)=%v outside (0,1)", a, b, e)
			}
		}
	}
}

func TestExpectedScore_FourHundredPoints(t *testing.T) {
	got := ExpectedScore(1400, 1000)
	want := 1 / (1 + 0.1)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("ExpectedScore(1400,1000)=%v want %v", got, want)
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		name     string
		a, b, k  float64
		observed float64
		wantA    int
		wantB    int
	}{
		{name: "equal ratings win", a: 1000, b: 1000, k: 32, observed: 1, wantA: 16, wantB: -16},
		{name: "equal ratings loss", a: 1000, b: 1000, k: 32, observed: 0, wantA: -16, wantB: 16},
		{name: "equal ratings draw", a: 1000, b: 1000, k: 32, observed: 0.5, wantA: 0, wantB: 0},
		// expected A = 1/1.1 = 0.909..., 32*(1-0.909) = 2.909 -> 3
		{name: "favourite wins", a: 1400, b: 1000, k: 32, observed: 1, wantA: 3, wantB: -3},
		// 16*(1-0.5) = 8 exactly
		{name: "k16", a: 1000, b: 1000, k: 16, observed: 1, wantA: 8, wantB: -8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotA, gotB := Delta(tt.a, tt.b, tt.k, tt.observed)
			if gotA != tt.wantA || gotB != tt.wantB {
				t.Fatalf("Delta(%v,%v,%v,%v)=(%d,%d) want (%d,%d)", tt.a, tt.b, tt.k, tt.observed, gotA, gotB, tt.wantA, tt.wantB)
			}
		})
	}
}

func TestDelta_RoundsHalfToEven(t *testing.T) {
	// K=1 at equal ratings gives exactly +/-0.5, which rounds to 0.
	a, b := Delta(1000, 1000, 1, 1)
	if a != 0 || b != 0 {
		t.Fatalf("Delta rounding = (%d,%d) want (0,0)", a, b)
	}
	// K=3 gives +/-1.5 which rounds to +/-2.
	a, b = Delta(1000, 1000, 3, 1)
	if a != 2 || b != -2 {
		t.Fatalf("Delta rounding = (%d,%d) want (2,-2)", a, b)
	}
}

func TestScore(t *testing.T) {
	if got := Score(3, 1, 6); got != (3+1.0)/6 {
		t.Fatalf("Score=%v", got)
	}
	if got := Score(0, 0, 0); got != 0.5 {
		t.Fatalf("Score with no games=%v want 0.5", got)
	}
}

func TestOutcomeFromWinner(t *testing.T) {
	cases := map[int]Outcome{0: Player1Win, 1: Player2Win, -1: NoWinner, 7: NoWinner}
	for w, want := range cases {
		if got := OutcomeFromWinner(w); got != want {
			t.Fatalf("OutcomeFromWinner(%d)=%v want %v", w, got, want)
		}
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker(1000)
	if d := tr.Update(1000, Player1Win); d != 8 {
		t.Fatalf("delta=%d want 8", d)
	}
	if tr.Rating != 1008 {
		t.Fatalf("rating=%v want 1008", tr.Rating)
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(1000, 0)
	if err := h.Append(100, 1010); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Append(100, 1020); err != nil {
		t.Fatalf("Append equal steps: %v", err)
	}
	if err := h.Append(50, 990); !errors.Is(err, ErrStepsDecreased) {
		t.Fatalf("Append decreasing steps err=%v", err)
	}
	if h.Last() != 1020 || h.LastSteps() != 100 || h.Len() != 3 {
		t.Fatalf("unexpected history %+v", h)
	}
	if got := h.Average(2); got != 1015 {
		t.Fatalf("Average(2)=%v want 1015", got)
	}
	if got := h.Average(0); got != (1000+1010+1020)/3.0 {
		t.Fatalf("Average(0)=%v", got)
	}
	h.Reset(900, 5)
	if h.Len() != 1 || h.Last() != 900 {
		t.Fatalf("Reset: %+v", h)
	}
}

func TestConsolidate_SumsWorkerDeltas(t *testing.T) {
	if got := Consolidate(1000, 5, -3, 2); got != 1004 {
		t.Fatalf("Consolidate=%v want 1004", got)
	}

	c := NewConsolidator("Agent", 3)
	for i, d := range []int{5, -3, 2} {
		if err := c.Add(i+1, d); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	h := NewHistory(1000, 0)
	got, err := c.Apply(&h, 2000)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != 1004 || h.Last() != 1004 || h.LastSteps() != 2000 || h.Len() != 2 {
		t.Fatalf("Apply=%v history=%+v", got, h)
	}
}

func TestConsolidator_Errors(t *testing.T) {
	c := NewConsolidator("Agent", 2)
	if err := c.Add(1, 4); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var cerr *ConsolidationError
	if err := c.Add(1, 4); !errors.As(err, &cerr) {
		t.Fatalf("duplicate worker err=%v", err)
	}
	if err := c.Add(3, 1); !errors.As(err, &cerr) {
		t.Fatalf("out of range worker err=%v", err)
	}
	h := NewHistory(1000, 0)
	if _, err := c.Apply(&h, 10); !errors.As(err, &cerr) {
		t.Fatalf("missing worker err=%v", err)
	}
	if h.Len() != 1 {
		t.Fatalf("history modified on failed consolidation: %+v", h)
	}
}
