package textutil

import "testing"

func TestSanitizeToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"usb:1-2:1.0", "usb_1-2_1_0"},
		{"serial:/dev/ttyACM0", "serial__dev_ttyacm0"},
		{"  ", "unknown"},
		{"::", "unknown"},
	}
	for _, tt := range tests {
		if got := SanitizeToken(tt.in); got != tt.want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := SanitizeFileName(" motor: axis/0 "); got != "motor- axis-0" {
		t.Fatalf("SanitizeFileName = %q", got)
	}
}
