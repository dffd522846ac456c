package bearmemori

import "testing"

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"single token", "butter", `"butter"`},
		{"two tokens", "butter receipt", `"butter" OR "receipt"`},
		{"stop words dropped", "the butter on my receipt", `"butter" OR "receipt"`},
		{"case folded", "Butter RECEIPT", `"butter" OR "receipt"`},
		{"only stop words", "the and of", ""},
		{"empty input", "", ""},
		{"whitespace only", "   \t ", ""},
		{"extra whitespace between tokens", "  butter   receipt  ", `"butter" OR "receipt"`},
		{"embedded quote escaped", `5" nails`, `"5""" OR "nails"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildMatchQuery(tt.raw); got != tt.want {
				t.Errorf("BuildMatchQuery(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestBuildMatchQueryDoesNotInjectOperators(t *testing.T) {
	// FTS operators arriving as user tokens must come out quoted, never bare.
	got := BuildMatchQuery("butter NEAR receipt")
	want := `"butter" OR "near" OR "receipt"`
	if got != want {
		t.Errorf("BuildMatchQuery = %q, want %q", got, want)
	}
}

func TestStopWordListSize(t *testing.T) {
	if n := len(stopWords); n < 40 || n > 80 {
		t.Errorf("stop word list has %d entries, expected a small English core list", n)
	}
}
