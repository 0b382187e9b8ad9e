package config

import (
	"testing"
	"time"
)

func TestGetEnvDefaults(t *testing.T) {
	if got := GetEnv("DW_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv default = %q", got)
	}
	if got := GetEnvInt("DW_TEST_MISSING", 42); got != 42 {
		t.Fatalf("GetEnvInt default = %d", got)
	}
	if got := GetEnvFloat("DW_TEST_MISSING", 5.0); got != 5.0 {
		t.Fatalf("GetEnvFloat default = %f", got)
	}
	if got := GetEnvBool("DW_TEST_MISSING", true); !got {
		t.Fatalf("GetEnvBool default = %v", got)
	}
	if got := GetEnvSeconds("DW_TEST_MISSING", 300*time.Second); got != 300*time.Second {
		t.Fatalf("GetEnvSeconds default = %v", got)
	}
}

func TestGetEnvParsing(t *testing.T) {
	t.Setenv("DW_TEST_INT", "7")
	t.Setenv("DW_TEST_FLOAT", "4.5")
	t.Setenv("DW_TEST_BOOL", "true")
	t.Setenv("DW_TEST_SECONDS", "120")

	if got := GetEnvInt("DW_TEST_INT", 0); got != 7 {
		t.Fatalf("GetEnvInt = %d", got)
	}
	if got := GetEnvFloat("DW_TEST_FLOAT", 0); got != 4.5 {
		t.Fatalf("GetEnvFloat = %f", got)
	}
	if got := GetEnvBool("DW_TEST_BOOL", false); !got {
		t.Fatalf("GetEnvBool = %v", got)
	}
	if got := GetEnvSeconds("DW_TEST_SECONDS", 0); got != 2*time.Minute {
		t.Fatalf("GetEnvSeconds = %v", got)
	}
}

func TestGetEnvSecondsRejectsNegative(t *testing.T) {
	t.Setenv("DW_TEST_SECONDS", "-5")
	if got := GetEnvSeconds("DW_TEST_SECONDS", time.Minute); got != time.Minute {
		t.Fatalf("negative seconds should fall back, got %v", got)
	}
}
