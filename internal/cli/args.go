// Package cli parses command-line arguments.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kdrag0n/cbackup/internal/types"
)

const defaultBackupDir = "/sdcard/cbackup"

// Args holds the parsed command-line arguments
type Args struct {
	Mode        types.Mode
	BackupDir   string
	LogLevel    types.LogLevel
	NoColor     bool
	ShowVersion bool
	ShowHelp    bool
}

// Parse parses command-line arguments and returns Args struct.
//
// Positional usage: cbackup [mode] [backup-dir] with mode one of
// backup|restore (default backup).
func Parse() (*Args, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, argv []string) (*Args, error) {
	args := &Args{
		Mode:      types.ModeBackup,
		BackupDir: defaultBackupDir,
	}

	var logLevelStr string
	fs.StringVar(&logLevelStr, "log-level", "",
		"Log level (debug|info|warning|error|critical)")
	fs.StringVar(&logLevelStr, "l", "",
		"Log level (shorthand)")

	fs.BoolVar(&args.NoColor, "no-color", false,
		"Disable ANSI colors in console output")

	fs.BoolVar(&args.ShowVersion, "version", false,
		"Show version information")
	fs.BoolVar(&args.ShowVersion, "v", false,
		"Show version information (shorthand)")

	fs.BoolVar(&args.ShowHelp, "help", false,
		"Show help message")
	fs.BoolVar(&args.ShowHelp, "h", false,
		"Show help message (shorthand)")

	fs.Usage = func() {
		printHelp(os.Stderr, os.Args[0], fs)
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	} else {
		args.LogLevel = types.LogLevelInfo
	}

	rest := fs.Args()
	if len(rest) > 2 {
		return nil, fmt.Errorf("too many arguments: %v", rest[2:])
	}
	if len(rest) >= 1 {
		switch types.Mode(rest[0]) {
		case types.ModeBackup:
			args.Mode = types.ModeBackup
		case types.ModeRestore:
			args.Mode = types.ModeRestore
		default:
			return nil, fmt.Errorf("unknown mode %q (expected backup or restore)", rest[0])
		}
	}
	if len(rest) == 2 {
		if rest[1] == "" {
			return nil, fmt.Errorf("backup directory path cannot be empty")
		}
		args.BackupDir = rest[1]
	}

	return args, nil
}

// parseLogLevel converts string to LogLevel
func parseLogLevel(s string) types.LogLevel {
	switch s {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "critical", "1":
		return types.LogLevelCritical
	case "none", "0":
		return types.LogLevelNone
	default:
		return types.LogLevelInfo
	}
}

// ShowHelp displays the help message.
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0], flag.CommandLine)
}

// ShowVersion displays version information.
func ShowVersion(version string) {
	printVersion(os.Stdout, version)
}

func printHelp(w io.Writer, argv0 string, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [options] [backup|restore] [backup-dir]\n\n", argv0)
	fmt.Fprintln(w, "cbackup - backup and restore Android apps with their data")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s backup\n", argv0)
	fmt.Fprintf(w, "  %s restore /sdcard/cbackup\n", argv0)
	fmt.Fprintf(w, "  %s --log-level debug backup /data/local/tmp/backup\n", argv0)
}

func printVersion(w io.Writer, version string) {
	fmt.Fprintln(w, "cbackup")
	fmt.Fprintf(w, "Version: %s\n", version)
	fmt.Fprintln(w, "Backup format: 2")
}
