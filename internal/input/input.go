// Package input handles interactive terminal input, including the one-time
// backup password prompt.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrInputAborted signals that interactive input was interrupted (typically via Ctrl+C
// causing context cancellation and/or stdin closure).
var ErrInputAborted = errors.New("input aborted")

// IsAborted reports whether an operation was aborted by the user (typically via Ctrl+C),
// by checking for ErrInputAborted and context cancellation.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInputAborted) || errors.Is(err, context.Canceled)
}

// MapInputError normalizes common stdin errors (EOF/closed fd) into ErrInputAborted.
func MapInputError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return ErrInputAborted
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "use of closed file") ||
		strings.Contains(errStr, "bad file descriptor") ||
		strings.Contains(errStr, "file already closed") {
		return ErrInputAborted
	}
	return err
}

var readPassword = term.ReadPassword

// readPasswordWithContext reads a password (no echo) and supports cancellation.
// On ctx cancellation or stdin closure it returns ErrInputAborted.
func readPasswordWithContext(ctx context.Context, fd int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := readPassword(fd)
		ch <- result{b: b, err: MapInputError(err)}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, ErrInputAborted
	case res := <-ch:
		return res.b, res.err
	}
}

// PromptPassword asks for the backup password once. When confirm is true the
// entry is requested twice and both entries must match (used at backup time,
// where a typo would silently produce an unrestorable set).
func PromptPassword(ctx context.Context, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())

	fmt.Fprint(os.Stderr, "Backup password: ")
	first, err := readPasswordWithContext(ctx, fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := readPasswordWithContext(ctx, fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passwords do not match")
		}
	}

	return string(first), nil
}
