package util

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"session ID format", "s_", 32, 34},
		{"workflow ID format", "wf_", 32, 35},
		{"custom prefix", "test_", 16, 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)

			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"zero length", 0, 0},
		{"negative length", -1, 0},
		{"small length", 8, 8},
		{"large length", 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomHex(tt.length)
			if len(got) != tt.want {
				t.Errorf("GenerateRandomHex() length = %v, want %v", len(got), tt.want)
			}
			if tt.want > 0 && !isValidHex(got) {
				t.Errorf("GenerateRandomHex() = %v is not valid hex", got)
			}
		})
	}
}

func TestDomainIDPrefixes(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{GenerateWorkflowID(), "wf_"},
		{GenerateSessionID(), "s_"},
		{GenerateContactID(), "c_"},
		{GenerateLeadID(), "l_"},
	}
	for _, tt := range tests {
		if !strings.HasPrefix(tt.id, tt.prefix) || len(tt.id) != len(tt.prefix)+32 {
			t.Errorf("unexpected id %q for prefix %q", tt.id, tt.prefix)
		}
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := GenerateRandomID("test_", 16)
		if seen[id] {
			t.Errorf("GenerateRandomID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestParseEnvHelpers(t *testing.T) {
	os.Setenv("FLOWPIPE_TEST_INT", "7")
	os.Setenv("FLOWPIPE_TEST_BAD_INT", "seven")
	os.Setenv("FLOWPIPE_TEST_DURATION", "45m")
	os.Setenv("FLOWPIPE_TEST_BOOL", "yes")
	defer func() {
		os.Unsetenv("FLOWPIPE_TEST_INT")
		os.Unsetenv("FLOWPIPE_TEST_BAD_INT")
		os.Unsetenv("FLOWPIPE_TEST_DURATION")
		os.Unsetenv("FLOWPIPE_TEST_BOOL")
	}()

	if got := ParseIntEnv("FLOWPIPE_TEST_INT", 3); got != 7 {
		t.Errorf("ParseIntEnv = %d, want 7", got)
	}
	if got := ParseIntEnv("FLOWPIPE_TEST_BAD_INT", 3); got != 3 {
		t.Errorf("ParseIntEnv with invalid value = %d, want default 3", got)
	}
	if got := ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute); got != 45*time.Minute {
		t.Errorf("ParseDurationEnv = %v, want 45m", got)
	}
	if got := ParseDurationEnv("FLOWPIPE_TEST_MISSING", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv missing = %v, want 1m", got)
	}
	if !ParseBoolEnv("FLOWPIPE_TEST_BOOL", false) {
		t.Error("ParseBoolEnv expected true")
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
