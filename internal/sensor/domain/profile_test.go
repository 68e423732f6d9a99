package domain

import (
	"testing"
	"time"
)

func TestWindow_Overlaps(t *testing.T) {
	at := func(h int) *time.Time {
		v := time.Date(2026, 1, 1, h, 0, 0, 0, time.UTC)
		return &v
	}
	tests := []struct {
		name string
		a, b Window
		want bool
	}{
		{"both unbounded", Window{}, Window{}, true},
		{"disjoint", Window{at(1), at(2)}, Window{at(3), at(4)}, false},
		{"adjacent is half-open", Window{at(1), at(2)}, Window{at(2), at(3)}, false},
		{"nested", Window{at(1), at(5)}, Window{at(2), at(3)}, true},
		{"partial", Window{at(1), at(3)}, Window{at(2), at(4)}, true},
		{"open end reaches later window", Window{at(1), nil}, Window{at(5), at(6)}, true},
		{"open start before earlier end", Window{nil, at(2)}, Window{at(1), at(3)}, true},
		{"open start ends before", Window{nil, at(1)}, Window{at(1), nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("reverse Overlaps = %v, want %v", got, tt.want)
			}
		})
	}
}
