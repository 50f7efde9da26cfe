package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTuning_Defaults(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	tn, err := LoadTuning("")
	if err != nil {
		t.Fatalf("LoadTuning failed: %v", err)
	}

	if tn.FastPulse != 50*time.Millisecond {
		t.Errorf("Expected fast_pulse 50ms, got %v", tn.FastPulse)
	}
	if tn.SlowPulse != 10*time.Second {
		t.Errorf("Expected slow_pulse 10s, got %v", tn.SlowPulse)
	}
	if tn.WakeBatch != 256 {
		t.Errorf("Expected wake_batch 256, got %d", tn.WakeBatch)
	}
	if tn.AssignmentDeadline != 10*time.Minute {
		t.Errorf("Expected assignment_deadline 10m, got %v", tn.AssignmentDeadline)
	}
}

func TestLoadTuning_ProjectFile(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	projectTuning := `
slow_pulse: 2s
assignment_deadline: 90s
wake_batch: 16
`
	os.WriteFile("hive.yaml", []byte(projectTuning), 0644)

	tn, err := LoadTuning("")
	if err != nil {
		t.Fatalf("LoadTuning failed: %v", err)
	}

	if tn.SlowPulse != 2*time.Second {
		t.Errorf("Expected slow_pulse 2s, got %v", tn.SlowPulse)
	}
	if tn.AssignmentDeadline != 90*time.Second {
		t.Errorf("Expected assignment_deadline 90s, got %v", tn.AssignmentDeadline)
	}
	if tn.WakeBatch != 16 {
		t.Errorf("Expected wake_batch 16, got %d", tn.WakeBatch)
	}
	// Untouched keys keep their defaults.
	if tn.MediumPulse != time.Second {
		t.Errorf("Expected medium_pulse 1s, got %v", tn.MediumPulse)
	}
}

func TestLoadTuning_LocalOverride(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	os.WriteFile("hive.yaml", []byte("liveness_window: 5s\n"), 0644)

	os.MkdirAll(ConfigRoot, 0755)
	os.WriteFile(filepath.Join(ConfigRoot, "config.yaml"), []byte("liveness_window: 9s\n"), 0644)

	tn, err := LoadTuning("")
	if err != nil {
		t.Fatalf("LoadTuning failed: %v", err)
	}

	if tn.LivenessWindow != 9*time.Second {
		t.Errorf("Expected local override 9s, got %v", tn.LivenessWindow)
	}
}

func TestLoadTuning_RejectsBadCadence(t *testing.T) {
	tempDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tempDir)
	defer os.Chdir(oldWd)

	// Slow faster than fast is a misconfiguration.
	os.WriteFile("hive.yaml", []byte("slow_pulse: 10ms\n"), 0644)

	if _, err := LoadTuning(""); err == nil {
		t.Fatal("expected unordered cadences to fail validation")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret(""); got != "<not set>" {
		t.Errorf("MaskSecret(\"\") = %q", got)
	}
	if got := MaskSecret("short"); got != "***" {
		t.Errorf("MaskSecret(short) = %q", got)
	}
	if got := MaskSecret("abcdefghijklmnop"); got != "abcd...mnop" {
		t.Errorf("MaskSecret(long) = %q", got)
	}
}
