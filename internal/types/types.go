// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration or argument error.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError - Required external tools or root access missing.
	ExitEnvironmentError ExitCode = 3

	// ExitBackupError - The backup run failed at the run level.
	ExitBackupError ExitCode = 4

	// ExitRestoreError - The restore run failed at the run level.
	ExitRestoreError ExitCode = 5

	// ExitAuthError - Password entry failed or was aborted.
	ExitAuthError ExitCode = 6

	// ExitPanicError - Unrecovered internal panic.
	ExitPanicError ExitCode = 9

	// ExitInterrupted - Terminated by SIGINT/SIGTERM.
	ExitInterrupted ExitCode = 130
)

// Int returns the exit code as an int for os.Exit.
func (e ExitCode) Int() int {
	return int(e)
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// Mode selects the top-level workflow.
type Mode string

const (
	// ModeBackup - capture installed apps into a backup set.
	ModeBackup Mode = "backup"

	// ModeRestore - reinstall apps from a backup set.
	ModeRestore Mode = "restore"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}
