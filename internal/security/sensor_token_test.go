package security

import (
	"strings"
	"testing"
)

func TestGenerateSensorToken(t *testing.T) {
	a, err := GenerateSensorToken()
	if err != nil {
		t.Fatalf("GenerateSensorToken: %v", err)
	}
	b, err := GenerateSensorToken()
	if err != nil {
		t.Fatalf("GenerateSensorToken: %v", err)
	}
	if a == b {
		t.Error("two generated tokens are equal")
	}
	if !strings.HasPrefix(a, SensorTokenPrefix) {
		t.Errorf("token %q missing prefix %q", a, SensorTokenPrefix)
	}
	if len(a) != len(SensorTokenPrefix)+43 {
		t.Errorf("token length = %d, want %d", len(a), len(SensorTokenPrefix)+43)
	}
}

func TestHashSensorToken(t *testing.T) {
	h1 := HashSensorToken("sns_abc")
	h2 := HashSensorToken("sns_abc")
	if h1 != h2 {
		t.Errorf("hash not stable: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
	if HashSensorToken("sns_abd") == h1 {
		t.Error("different tokens produced the same hash")
	}
}

func TestSensorTokenHashEqual(t *testing.T) {
	stored := HashSensorToken("sns_right")
	if !SensorTokenHashEqual("sns_right", stored) {
		t.Error("matching token rejected")
	}
	if SensorTokenHashEqual("sns_wrong", stored) {
		t.Error("wrong token accepted")
	}
	if SensorTokenHashEqual("", stored) {
		t.Error("empty token accepted")
	}
}

func TestTokenPreview(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sns_abcdef", "cdef"},
		{"abcd", "abcd"},
		{"ab", "ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := TokenPreview(tt.in); got != tt.want {
			t.Errorf("TokenPreview(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
