package config

import (
	"path/filepath"
	"testing"
)

func TestResolveConfigPath(t *testing.T) {
	if got, want := ResolveConfigPath("linux", "/home/u", "", "stage.yaml"), filepath.Join("/etc", "stagebridge", "stage.yaml"); got != want {
		t.Fatalf("linux path = %q; want %q", got, want)
	}
	if got, want := ResolveConfigPath("darwin", "/Users/u", "", "stage.yaml"), filepath.Join("/Users/u", "Library", "Application Support", "stagebridge", "stage.yaml"); got != want {
		t.Fatalf("darwin path = %q; want %q", got, want)
	}
	if got, want := ResolveConfigPath("windows", "", "", "stage.yaml"), filepath.Join("C:/ProgramData", "stagebridge", "stage.yaml"); got != want {
		t.Fatalf("windows path = %q; want %q", got, want)
	}
}

func TestSplitComma(t *testing.T) {
	got := SplitComma(" a, ,b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected split %v", got)
	}
	if SplitComma("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("STAGEBRIDGE_TEST_KEY", "")
	if got := GetEnv("STAGEBRIDGE_TEST_KEY", "def"); got != "def" {
		t.Fatalf("empty env should fall back, got %q", got)
	}
	t.Setenv("STAGEBRIDGE_TEST_KEY", "v")
	if got := GetEnv("STAGEBRIDGE_TEST_KEY", "def"); got != "v" {
		t.Fatalf("GetEnv = %q; want v", got)
	}
}
