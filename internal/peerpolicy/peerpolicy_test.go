package peerpolicy

import "testing"

func TestRPM_DefaultAndOverride(t *testing.T) {
	s := &Store{
		defaultRPM:  600,
		rpmOverride: map[string]int{"did:web:fast.example.com": 2000},
	}
	if got := s.RPM("did:web:plain.example.com"); got != 600 {
		t.Errorf("default RPM = %d, want 600", got)
	}
	if got := s.RPM("did:web:fast.example.com"); got != 2000 {
		t.Errorf("override RPM = %d, want 2000", got)
	}
}
