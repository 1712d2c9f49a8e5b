package tokenizer

import "testing"

func TestHeuristic_Count(t *testing.T) {
	h := Heuristic{}

	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tc := range cases {
		if got := h.Count(tc.text); got != tc.want {
			t.Errorf("Count(%q): expected %d, got %d", tc.text, tc.want, got)
		}
	}
}

func TestFromConfig_DefaultsToHeuristic(t *testing.T) {
	est, err := FromConfig("heuristic", "")
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if _, ok := est.(Heuristic); !ok {
		t.Errorf("Expected Heuristic estimator, got %T", est)
	}
}
