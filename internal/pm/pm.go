// Package pm is the client for the device's package-management service. All
// queries and commands go through the pm/dumpsys command surface; outputs are
// text protocols parsed here.
package pm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/kdrag0n/cbackup/internal/logging"
)

// Runner executes external service commands.
type Runner interface {
	// Run executes a command and returns its stdout.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInput is Run with the given reader attached to stdin.
	RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunInput(ctx, nil, name, args...)
}

func (ExecRunner) RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

// Service wraps the package-management command surface for OS user 0.
type Service struct {
	logger *logging.Logger
	runner Runner

	sdkOnce  sync.Once
	sdkLevel int
	sdkErr   error
}

// NewService creates a package service client. A nil runner uses os/exec.
func NewService(logger *logging.Logger, runner Runner) *Service {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Service{logger: logger, runner: runner}
}

// ListPackages returns installed package names for user 0. With systemOnly
// set, only system packages are listed. Order is whatever the service emits.
func (s *Service) ListPackages(ctx context.Context, systemOnly bool) ([]string, error) {
	args := []string{"list", "packages", "--user", "0"}
	if systemOnly {
		args = append(args, "-s")
	}
	out, err := s.runner.Run(ctx, "pm", args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	var pkgs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "package:"); ok && name != "" {
			pkgs = append(pkgs, name)
		}
	}
	return pkgs, nil
}

// Dump returns the raw structured dump text for one package.
func (s *Service) Dump(ctx context.Context, pkg string) (string, error) {
	out, err := s.runner.Run(ctx, "dumpsys", "package", pkg)
	if err != nil {
		return "", fmt.Errorf("dump package %s: %w", pkg, err)
	}
	return string(out), nil
}

// IsInstalled reports whether the package is installed for user 0.
func (s *Service) IsInstalled(ctx context.Context, pkg string) bool {
	out, err := s.runner.Run(ctx, "pm", "path", "--user", "0", pkg)
	return err == nil && strings.Contains(string(out), "package:")
}

// Uninstall removes the package completely, including OS-side metadata such
// as device IDs and special grants that a plain data clear would keep.
func (s *Service) Uninstall(ctx context.Context, pkg string) error {
	out, err := s.runner.Run(ctx, "pm", "uninstall", pkg)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", pkg, err)
	}
	return checkSuccess("uninstall "+pkg, out)
}

var sessionRe = regexp.MustCompile(`\[(\d+)\]`)

// InstallSessionOpts configures a multi-APK install transaction.
type InstallSessionOpts struct {
	Package   string
	Installer string
}

// InstallCreate opens an install session and returns its id.
func (s *Service) InstallCreate(ctx context.Context, opts InstallSessionOpts) (int, error) {
	args := []string{
		"install-create",
		"--user", "0",
		"--install-reason", "2",
		"--pkg", opts.Package,
		"--restrict-permissions",
	}
	if opts.Installer != "" {
		args = append(args, "-i", opts.Installer)
	}
	out, err := s.runner.Run(ctx, "pm", args...)
	if err != nil {
		return 0, fmt.Errorf("create install session for %s: %w", opts.Package, err)
	}
	if err := checkSuccess("install-create "+opts.Package, out); err != nil {
		return 0, err
	}
	m := sessionRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("install-create %s: no session id in output %q", opts.Package, strings.TrimSpace(string(out)))
	}
	id, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("install-create %s: bad session id: %w", opts.Package, err)
	}
	return id, nil
}

// InstallWrite streams one APK into the session under the given split label,
// with its byte length declared up front so no temporary copy is needed.
func (s *Service) InstallWrite(ctx context.Context, session int, splitLabel string, size int64, apk io.Reader) error {
	out, err := s.runner.RunInput(ctx, apk, "pm", "install-write",
		"-S", strconv.FormatInt(size, 10),
		strconv.Itoa(session), splitLabel, "-")
	if err != nil {
		return fmt.Errorf("write %s into session %d: %w", splitLabel, session, err)
	}
	return checkSuccess(fmt.Sprintf("install-write %s", splitLabel), out)
}

// InstallCommit finalizes the session, installing all staged APKs atomically.
func (s *Service) InstallCommit(ctx context.Context, session int) error {
	out, err := s.runner.Run(ctx, "pm", "install-commit", strconv.Itoa(session))
	if err != nil {
		return fmt.Errorf("commit install session %d: %w", session, err)
	}
	return checkSuccess(fmt.Sprintf("install-commit %d", session), out)
}

// InstallAbandon discards a session that will not be committed.
func (s *Service) InstallAbandon(ctx context.Context, session int) error {
	_, err := s.runner.Run(ctx, "pm", "install-abandon", strconv.Itoa(session))
	return err
}

// SdkLevel returns the OS API level, cached for the process lifetime.
func (s *Service) SdkLevel(ctx context.Context) (int, error) {
	s.sdkOnce.Do(func() {
		out, err := s.runner.Run(ctx, "getprop", "ro.build.version.sdk")
		if err != nil {
			s.sdkErr = err
			return
		}
		s.sdkLevel, s.sdkErr = strconv.Atoi(strings.TrimSpace(string(out)))
	})
	return s.sdkLevel, s.sdkErr
}

// SupportsSuspend reports whether the OS supports pm suspend (API 28+).
// Unknown API levels count as unsupported; capture then proceeds without the
// torn-write guard instead of failing.
func (s *Service) SupportsSuspend(ctx context.Context) bool {
	sdk, err := s.SdkLevel(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("SDK level probe failed, assuming no suspend support: %v", err)
		}
		return false
	}
	return sdk >= 28
}

// Suspend freezes the package so its data cannot change mid-capture. The
// service reports the new state ("Package X new suspended state: true")
// instead of a Success verdict; a zero exit is the success signal here.
func (s *Service) Suspend(ctx context.Context, pkg string) error {
	if _, err := s.runner.Run(ctx, "pm", "suspend", pkg); err != nil {
		return fmt.Errorf("suspend %s: %w", pkg, err)
	}
	return nil
}

// Unsuspend releases a suspended package.
func (s *Service) Unsuspend(ctx context.Context, pkg string) error {
	if _, err := s.runner.Run(ctx, "pm", "unsuspend", pkg); err != nil {
		return fmt.Errorf("unsuspend %s: %w", pkg, err)
	}
	return nil
}

// Grant grants one runtime permission.
func (s *Service) Grant(ctx context.Context, pkg, permission string) error {
	_, err := s.runner.Run(ctx, "pm", "grant", "--user", "0", pkg, permission)
	if err != nil {
		return fmt.Errorf("grant %s to %s: %w", permission, pkg, err)
	}
	return nil
}

// IsBatteryExempt reports whether the package is on the battery-optimization
// exemption list.
func (s *Service) IsBatteryExempt(ctx context.Context, pkg string) (bool, error) {
	out, err := s.runner.Run(ctx, "dumpsys", "deviceidle", "whitelist")
	if err != nil {
		return false, fmt.Errorf("read deviceidle whitelist: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) >= 2 && fields[1] == pkg {
			return true, nil
		}
	}
	return false, nil
}

// AddBatteryExemption puts the package on the battery-optimization exemption
// list.
func (s *Service) AddBatteryExemption(ctx context.Context, pkg string) error {
	_, err := s.runner.Run(ctx, "dumpsys", "deviceidle", "whitelist", "+"+pkg)
	if err != nil {
		return fmt.Errorf("add %s to deviceidle whitelist: %w", pkg, err)
	}
	return nil
}

// checkSuccess validates the textual verdict of a pm command; the service
// often exits 0 while reporting a Failure in its output.
func checkSuccess(op string, out []byte) error {
	text := strings.TrimSpace(string(out))
	if strings.Contains(text, "Success") {
		return nil
	}
	return fmt.Errorf("%s: service reported: %s", op, text)
}
