package cli

import (
	"flag"
	"io"
	"testing"

	"github.com/kdrag0n/cbackup/internal/types"
)

func parseArgs(t *testing.T, argv ...string) (*Args, error) {
	t.Helper()
	fs := flag.NewFlagSet("cbackup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parse(fs, argv)
}

func TestParseDefaults(t *testing.T) {
	args, err := parseArgs(t)
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if args.Mode != types.ModeBackup {
		t.Errorf("Mode = %q, want backup", args.Mode)
	}
	if args.BackupDir != defaultBackupDir {
		t.Errorf("BackupDir = %q, want %q", args.BackupDir, defaultBackupDir)
	}
	if args.LogLevel != types.LogLevelInfo {
		t.Errorf("LogLevel = %v, want info", args.LogLevel)
	}
	if args.NoColor {
		t.Error("NoColor = true by default")
	}
}

func TestParseModeAndDir(t *testing.T) {
	args, err := parseArgs(t, "restore", "/data/local/tmp/backup")
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if args.Mode != types.ModeRestore {
		t.Errorf("Mode = %q, want restore", args.Mode)
	}
	if args.BackupDir != "/data/local/tmp/backup" {
		t.Errorf("BackupDir = %q", args.BackupDir)
	}
}

func TestParseUnknownMode(t *testing.T) {
	if _, err := parseArgs(t, "sideways"); err == nil {
		t.Error("parse() accepted unknown mode")
	}
}

func TestParseTooManyArguments(t *testing.T) {
	if _, err := parseArgs(t, "backup", "/sdcard/cbackup", "extra"); err == nil {
		t.Error("parse() accepted a third positional argument")
	}
}

func TestParseEmptyBackupDir(t *testing.T) {
	if _, err := parseArgs(t, "backup", ""); err == nil {
		t.Error("parse() accepted an empty backup directory")
	}
}

func TestParseFlags(t *testing.T) {
	args, err := parseArgs(t, "--log-level", "debug", "--no-color", "backup")
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if args.LogLevel != types.LogLevelDebug {
		t.Errorf("LogLevel = %v, want debug", args.LogLevel)
	}
	if !args.NoColor {
		t.Error("NoColor = false with --no-color set")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want types.LogLevel
	}{
		{"debug", types.LogLevelDebug},
		{"5", types.LogLevelDebug},
		{"warning", types.LogLevelWarning},
		{"none", types.LogLevelNone},
		{"bogus", types.LogLevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
