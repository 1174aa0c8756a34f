// Package restore drives the per-record restore sequence: validity gate,
// session-based APK reinstall, data restore with ownership and security
// context repair, and auxiliary metadata restore. The host tool's own record
// takes the self-hotswap path instead of the normal one.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdrag0n/cbackup/internal/format"
	"github.com/kdrag0n/cbackup/internal/logging"
	"github.com/kdrag0n/cbackup/internal/pipeline"
	"github.com/kdrag0n/cbackup/internal/pm"
	"github.com/kdrag0n/cbackup/internal/report"
	"github.com/kdrag0n/cbackup/internal/ssaid"
)

// Private data roots for OS user 0, overridable in tests.
var (
	ceRoot = "/data/user/0"
	deRoot = "/data/user_de/0"
)

// Archive prefixes of the two storage classes inside a data archive.
const (
	cePrefix = "ce"
	dePrefix = "de"
)

// InstallError reports a failed install session. The app's data restore is
// skipped entirely; the condition surfaces in the end-of-run summary.
type InstallError struct {
	Package string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install of %s failed: %v", e.Package, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// packageService is the slice of the package-management client the restore
// orchestrator uses.
type packageService interface {
	IsInstalled(ctx context.Context, pkg string) bool
	Uninstall(ctx context.Context, pkg string) error
	InstallCreate(ctx context.Context, opts pm.InstallSessionOpts) (int, error)
	InstallWrite(ctx context.Context, session int, splitLabel string, size int64, apk io.Reader) error
	InstallCommit(ctx context.Context, session int) error
	InstallAbandon(ctx context.Context, session int) error
	ExtractFacts(ctx context.Context, pkg string) (*pm.AppFacts, error)
	SupportsSuspend(ctx context.Context) bool
	Suspend(ctx context.Context, pkg string) error
	Unsuspend(ctx context.Context, pkg string) error
	Grant(ctx context.Context, pkg, permission string) error
	AddBatteryExemption(ctx context.Context, pkg string) error
}

// Options configures a restore run.
type Options struct {
	// SourceRoot is the backup-set root to restore from.
	SourceRoot string

	// Password decrypts the canaries and data archives.
	Password string

	// HostPackage marks the record restored through the self-hotswap path.
	HostPackage string
}

// Orchestrator runs the restore sequence for every record in a backup set.
type Orchestrator struct {
	logger *logging.Logger
	svc    packageService
	ssaid  *ssaid.Registry
	opts   Options
}

// New creates a restore orchestrator. A nil registry uses the system default.
func New(logger *logging.Logger, svc packageService, registry *ssaid.Registry, opts Options) *Orchestrator {
	if registry == nil {
		registry = ssaid.New("")
	}
	return &Orchestrator{logger: logger, svc: svc, ssaid: registry, opts: opts}
}

// Run restores every record found in the backup set. Failures stay confined
// to their record; the run continues and the outcome lands in the summary.
func (o *Orchestrator) Run(ctx context.Context) (*report.Summary, error) {
	summary := &report.Summary{}

	records, err := o.scanRecords()
	if err != nil {
		return summary, err
	}
	o.logger.Info("Restoring %d apps from %s", len(records), o.opts.SourceRoot)

	for _, pkg := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		o.logger.App("%s", pkg)
		result := report.AppResult{Package: pkg, Outcome: report.OutcomeCompleted}
		if err := o.restoreApp(ctx, pkg, &result, summary); err != nil {
			var installErr *InstallError
			if errors.As(err, &installErr) {
				result.Outcome = report.OutcomeInstallFailed
			} else {
				result.Outcome = report.OutcomeFailed
			}
			result.Err = err
			o.logger.Error("%s: %v", pkg, err)
		}
		summary.Add(result)
	}

	if n := summary.FailedCount(); n > 0 {
		summary.AddDeferred("%d of %d apps did not restore cleanly", n, len(records))
	}
	return summary, nil
}

// scanRecords lists record directories in the backup set, sorted for a
// predictable processing order.
func (o *Orchestrator) scanRecords() ([]string, error) {
	entries, err := os.ReadDir(o.opts.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("scan backup set: %w", err)
	}
	var records []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			records = append(records, entry.Name())
		}
	}
	sort.Strings(records)
	return records, nil
}

// restoreApp runs the per-record state machine. Validation happens before any
// destructive action, so a rejected record leaves the installed app
// untouched.
func (o *Orchestrator) restoreApp(ctx context.Context, pkg string, result *report.AppResult, summary *report.Summary) (err error) {
	done := logging.DebugStart(o.logger, "restore "+pkg, "")
	defer func() { done(err) }()

	recordDir := filepath.Join(o.opts.SourceRoot, pkg)

	if err := format.ValidateRecord(recordDir, o.opts.Password); err != nil {
		return err
	}

	if pkg == o.opts.HostPackage {
		return o.restoreSelf(ctx, pkg, recordDir, result, summary)
	}

	if err := o.installApks(ctx, pkg, recordDir); err != nil {
		return &InstallError{Package: pkg, Err: err}
	}

	// The reinstall assigned a fresh uid and labeled the fresh (empty) data
	// directory; both replace the backup-time values.
	facts, err := o.svc.ExtractFacts(ctx, pkg)
	if err != nil {
		return err
	}
	label := readSecurityContext(filepath.Join(ceRoot, pkg))

	release := o.suspendForRestore(ctx, pkg)
	defer release()

	if err := o.restoreData(ctx, pkg, recordDir, facts.UserID, label); err != nil {
		return err
	}

	o.restoreAuxMetadata(ctx, pkg, recordDir, result, summary)
	return nil
}

// installApks replaces any existing install with the record's APK set through
// one install session. Data clearing alone is not enough: OS metadata such as
// device IDs and special grants only reset on full uninstall.
func (o *Orchestrator) installApks(ctx context.Context, pkg, recordDir string) error {
	if o.svc.IsInstalled(ctx, pkg) {
		o.logger.Step("Uninstalling existing %s", pkg)
		if err := o.svc.Uninstall(ctx, pkg); err != nil {
			return err
		}
	}

	apkDir := filepath.Join(recordDir, format.ApkDir)
	apks, err := filepath.Glob(filepath.Join(apkDir, "*.apk"))
	if err != nil {
		return err
	}
	if len(apks) == 0 {
		return fmt.Errorf("record has no APKs")
	}
	sort.Strings(apks)

	installer := readOptionalLine(filepath.Join(recordDir, format.InstallerFile))
	session, err := o.svc.InstallCreate(ctx, pm.InstallSessionOpts{
		Package:   pkg,
		Installer: installer,
	})
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		// A session that will not commit must not linger.
		if !committed {
			if err := o.svc.InstallAbandon(context.WithoutCancel(ctx), session); err != nil {
				o.logger.Debug("Abandon session %d: %v", session, err)
			}
		}
	}()

	for _, apk := range apks {
		if err := o.streamApk(ctx, session, apk); err != nil {
			return err
		}
	}

	if err := o.svc.InstallCommit(ctx, session); err != nil {
		return err
	}
	committed = true
	o.logger.Step("Installed %d APKs", len(apks))
	return nil
}

// streamApk writes one APK into the session directly from the record, with
// its size declared up front so no temporary copy is made.
func (o *Orchestrator) streamApk(ctx context.Context, session int, apkPath string) error {
	f, err := os.Open(apkPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	label := strings.TrimSuffix(filepath.Base(apkPath), ".apk")
	return o.svc.InstallWrite(ctx, session, label, info.Size(), f)
}

// restoreData replaces the OS-created placeholder data directories with the
// archive contents, then repairs ownership and security context. A record
// without a data archive restores nothing and reports no error.
func (o *Orchestrator) restoreData(ctx context.Context, pkg, recordDir string, uid int, label string) error {
	archivePath := filepath.Join(recordDir, format.DataArchiveFile)
	if _, err := os.Stat(archivePath); errors.Is(err, os.ErrNotExist) {
		o.logger.Skip("No data archive recorded")
		return nil
	} else if err != nil {
		return err
	}

	cePath := filepath.Join(ceRoot, pkg)
	dePath := filepath.Join(deRoot, pkg)
	for _, dir := range []string{cePath, dePath} {
		if err := clearDirContents(dir); err != nil {
			return err
		}
	}

	if err := o.extractArchive(ctx, archivePath, map[string]string{
		cePrefix: cePath,
		dePrefix: dePath,
	}); err != nil {
		return err
	}

	for _, dir := range []string{cePath, dePath} {
		if err := repairTree(dir, uid, label); err != nil {
			return fmt.Errorf("repair %s: %w", dir, err)
		}
	}
	o.logger.Step("Restored private data")
	return nil
}

// extractArchive runs the decrypt-decompress-extract pipeline into the given
// prefix destinations.
func (o *Orchestrator) extractArchive(ctx context.Context, archivePath string, dests map[string]string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer in.Close()

	stages := []pipeline.Stage{
		pipeline.Decrypt(o.opts.Password),
		pipeline.ZstdDecompress(),
		pipeline.TarUnpack(dests),
	}
	return pipeline.Run(ctx, stages, in, nil)
}

// suspendForRestore mirrors the backup-side freeze between install and data
// restore. The returned release runs on every exit path, so a failed restore
// never leaves the app stuck suspended.
func (o *Orchestrator) suspendForRestore(ctx context.Context, pkg string) func() {
	if !o.svc.SupportsSuspend(ctx) {
		return func() {}
	}
	if err := o.svc.Suspend(ctx, pkg); err != nil {
		o.logger.Debug("Suspend %s before data restore: %v", pkg, err)
		return func() {}
	}
	return func() {
		if err := o.svc.Unsuspend(context.WithoutCancel(ctx), pkg); err != nil {
			o.logger.Warning("Failed to unsuspend %s: %v", pkg, err)
		}
	}
}

// restoreAuxMetadata re-applies the optional recorded facts. Every item is
// independently optional and individually non-fatal.
func (o *Orchestrator) restoreAuxMetadata(ctx context.Context, pkg, recordDir string, result *report.AppResult, summary *report.Summary) {
	for _, permission := range readPermissionList(filepath.Join(recordDir, format.PermissionsFile)) {
		if err := o.svc.Grant(ctx, pkg, permission); err != nil {
			// One failed grant must not stop the remaining ones.
			o.logger.Warning("%s: %v", pkg, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("permission %s not granted", permission))
		}
	}

	if line := readOptionalLine(filepath.Join(recordDir, format.SsaidFile)); line != "" {
		if err := o.ssaid.Append(line); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("device-ID record not restored: %v", err))
		} else {
			summary.AddDeferred("Device ID for %s restored; it takes effect after the next reboot", pkg)
		}
	}

	if _, err := os.Stat(filepath.Join(recordDir, format.BatteryOptFile)); err == nil {
		if err := o.svc.AddBatteryExemption(ctx, pkg); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("battery exemption not restored: %v", err))
		}
	}
}

// readOptionalLine returns the first line of a file, or "" when the file is
// absent or unreadable.
func readOptionalLine(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	return strings.TrimSpace(line)
}

// readPermissionList returns the recorded permission names, or nil when none
// were recorded.
func readPermissionList(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var permissions []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			permissions = append(permissions, line)
		}
	}
	return permissions
}

// clearDirContents removes everything inside dir, recreating dir itself if
// missing. The directory inode stays in place so its label and the OS's
// notion of the app data root survive.
func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(dir, 0o700)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
