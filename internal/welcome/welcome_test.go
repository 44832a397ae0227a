package welcome

import "testing"

func TestGraceWindowIsFiveMinutes(t *testing.T) {
	if graceWindow.Minutes() != 5 {
		t.Errorf("graceWindow = %v, want 5m", graceWindow)
	}
}
