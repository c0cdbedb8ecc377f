package mode

import "testing"

func TestParse(t *testing.T) {
	for _, m := range All() {
		got, err := Parse(string(m))
		if err != nil || got != m {
			t.Errorf("Parse(%q) = %q, %v", m, got, err)
		}
	}

	for _, s := range []string{"", "trading", "PAUSED", "OBSERVATION "} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) accepted", s)
		}
	}
}

func TestValid(t *testing.T) {
	if n := len(All()); n != 7 {
		t.Fatalf("All() = %d modes, want 7", n)
	}
	if Mode("STANDBY ").Valid() {
		t.Error("padded mode reported valid")
	}
}
