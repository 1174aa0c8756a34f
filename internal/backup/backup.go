// Package backup drives the per-app backup sequence: record directory,
// validity gate, APK copies, suspend-snapshot-unsuspend data capture through
// the stream pipeline, and auxiliary metadata emission.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kdrag0n/cbackup/internal/format"
	"github.com/kdrag0n/cbackup/internal/inventory"
	"github.com/kdrag0n/cbackup/internal/logging"
	"github.com/kdrag0n/cbackup/internal/pipeline"
	"github.com/kdrag0n/cbackup/internal/pm"
	"github.com/kdrag0n/cbackup/internal/report"
	"github.com/kdrag0n/cbackup/internal/ssaid"
)

// Private data roots for OS user 0 and the subdirectories excluded from
// capture by policy: caches are regenerable, no_backup is the app's explicit
// opt-out.
var (
	ceRoot = "/data/user/0"
	deRoot = "/data/user_de/0"

	excludedDataDirs = map[string]bool{
		"cache":      true,
		"code_cache": true,
		"no_backup":  true,
	}
)

// Archive prefixes distinguishing the two storage classes inside the data
// archive.
const (
	cePrefix = "ce"
	dePrefix = "de"
)

// packageService is the slice of the package-management client the backup
// orchestrator uses.
type packageService interface {
	inventory.PackageLister
	ExtractFacts(ctx context.Context, pkg string) (*pm.AppFacts, error)
	SupportsSuspend(ctx context.Context) bool
	Suspend(ctx context.Context, pkg string) error
	Unsuspend(ctx context.Context, pkg string) error
	IsBatteryExempt(ctx context.Context, pkg string) (bool, error)
}

// Options configures a backup run.
type Options struct {
	// DestRoot is the backup-set root; it is cleared and recreated.
	DestRoot string

	// Password encrypts the canary and the data archives.
	Password string

	// HostPackage is never suspended: freezing the environment this process
	// runs in would freeze the capture itself.
	HostPackage string

	// ExtraExclusions extends the resolver's static exclusion list.
	ExtraExclusions []string

	// ZstdLevel is the data archive compression level.
	ZstdLevel int
}

// Orchestrator runs the backup sequence for every app in the inventory.
type Orchestrator struct {
	logger *logging.Logger
	svc    packageService
	ssaid  *ssaid.Registry
	opts   Options
}

// New creates a backup orchestrator. A nil registry uses the system default.
func New(logger *logging.Logger, svc packageService, registry *ssaid.Registry, opts Options) *Orchestrator {
	if registry == nil {
		registry = ssaid.New("")
	}
	return &Orchestrator{logger: logger, svc: svc, ssaid: registry, opts: opts}
}

// Run discovers backup targets and produces one record per app. A failure in
// one app aborts only that app's record; the run continues and the outcome
// lands in the returned summary.
func (o *Orchestrator) Run(ctx context.Context) (*report.Summary, error) {
	summary := &report.Summary{}

	if err := o.prepareDest(); err != nil {
		return summary, err
	}

	resolver := inventory.NewResolver(o.logger, o.svc, o.opts.ExtraExclusions)
	targets, err := resolver.ListBackupTargets(ctx)
	if err != nil {
		return summary, fmt.Errorf("resolve backup targets: %w", err)
	}
	o.logger.Info("Backing up %d apps to %s", len(targets), o.opts.DestRoot)

	for _, pkg := range targets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		o.logger.App("%s", pkg)
		result := report.AppResult{Package: pkg, Outcome: report.OutcomeCompleted}
		if err := o.backupApp(ctx, pkg, &result); err != nil {
			result.Outcome = report.OutcomeFailed
			result.Err = err
			o.logger.Error("%s: %v", pkg, err)
		}
		summary.Add(result)
	}

	return summary, nil
}

// prepareDest clears and recreates the backup-set root, so a run never mixes
// records with a previous set's.
func (o *Orchestrator) prepareDest() error {
	dest := o.opts.DestRoot
	if strings.TrimSpace(dest) == "" || dest == "/" {
		return fmt.Errorf("refusing to use %q as backup destination", dest)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear destination: %w", err)
	}
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dest, &st); err == nil {
		free := st.Bavail * uint64(st.Bsize)
		o.logger.Debug("Destination filesystem has %.1f GiB free", float64(free)/(1<<30))
	}
	return nil
}

// backupApp runs the strictly sequential per-app state machine.
func (o *Orchestrator) backupApp(ctx context.Context, pkg string, result *report.AppResult) (err error) {
	done := logging.DebugStart(o.logger, "backup "+pkg, "")
	defer func() { done(err) }()

	facts, err := o.svc.ExtractFacts(ctx, pkg)
	if err != nil {
		return err
	}

	recordDir := filepath.Join(o.opts.DestRoot, pkg)
	if err := os.MkdirAll(recordDir, 0o700); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	// The validity gate goes in first: a record without both marker and
	// canary is invalid by definition, whatever else it contains.
	if err := format.WriteVersionMarker(recordDir); err != nil {
		return err
	}
	if err := format.WriteCanary(recordDir, o.opts.Password); err != nil {
		return err
	}

	if err := o.copyApks(facts, recordDir); err != nil {
		return err
	}

	if err := o.captureData(ctx, pkg, recordDir); err != nil {
		return err
	}

	o.writeAuxMetadata(ctx, facts, recordDir, result)
	return nil
}

// copyApks copies the base and split APKs verbatim. APKs are public install
// artifacts, not secrets; they stay unencrypted.
func (o *Orchestrator) copyApks(facts *pm.AppFacts, recordDir string) error {
	apks, err := filepath.Glob(filepath.Join(facts.CodePath, "*.apk"))
	if err != nil {
		return err
	}
	if len(apks) == 0 {
		return fmt.Errorf("no APKs found in %s", facts.CodePath)
	}

	apkDir := filepath.Join(recordDir, format.ApkDir)
	if err := os.MkdirAll(apkDir, 0o700); err != nil {
		return fmt.Errorf("create apk directory: %w", err)
	}
	for _, apk := range apks {
		if err := copyFile(apk, filepath.Join(apkDir, filepath.Base(apk))); err != nil {
			return fmt.Errorf("copy %s: %w", filepath.Base(apk), err)
		}
	}
	o.logger.Step("Copied %d APKs", len(apks))
	return nil
}

// captureData snapshots CE and DE private data through the
// archive-compress-encrypt pipeline. An empty file set records nothing and is
// not an error.
func (o *Orchestrator) captureData(ctx context.Context, pkg, recordDir string) error {
	sources, fileCount, err := collectDataSources(pkg)
	if err != nil {
		return err
	}
	if fileCount == 0 {
		o.logger.Skip("No private data to capture")
		return nil
	}

	release, err := o.suspendForCapture(ctx, pkg)
	if err != nil {
		return err
	}
	defer release()

	archivePath := filepath.Join(recordDir, format.DataArchiveFile)
	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create data archive: %w", err)
	}

	stages := []pipeline.Stage{
		pipeline.TarPack(sources),
		pipeline.Meter(o.logger, pkg+" data"),
		pipeline.ZstdCompress(o.opts.ZstdLevel, 0),
		pipeline.Encrypt(o.opts.Password),
	}
	if err := pipeline.Run(ctx, stages, nil, out); err != nil {
		out.Close()
		os.Remove(archivePath)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	o.logger.Step("Captured private data (%d files)", fileCount)
	return nil
}

// suspendForCapture freezes the app so the snapshot cannot contain a torn
// write, returning a release function that always runs. The host package is
// never suspended, and OS versions without suspend support capture without
// the guard.
func (o *Orchestrator) suspendForCapture(ctx context.Context, pkg string) (func(), error) {
	if pkg == o.opts.HostPackage {
		o.logger.Debug("Not suspending host package %s", pkg)
		return func() {}, nil
	}
	if !o.svc.SupportsSuspend(ctx) {
		o.logger.Debug("OS lacks suspend support, capturing without freeze")
		return func() {}, nil
	}
	if err := o.svc.Suspend(ctx, pkg); err != nil {
		return nil, err
	}
	return func() {
		// Release must survive capture failure, or the app stays frozen.
		if err := o.svc.Unsuspend(context.WithoutCancel(ctx), pkg); err != nil {
			o.logger.Warning("Failed to unsuspend %s: %v", pkg, err)
		}
	}, nil
}

// collectDataSources builds the tar sources for the app's CE and DE data and
// counts the non-directory entries they contain.
func collectDataSources(pkg string) ([]pipeline.TarSource, int, error) {
	var sources []pipeline.TarSource
	total := 0
	for _, root := range []struct {
		prefix string
		dir    string
	}{
		{cePrefix, filepath.Join(ceRoot, pkg)},
		{dePrefix, filepath.Join(deRoot, pkg)},
	} {
		files, count, err := collectDataFiles(root.dir)
		if err != nil {
			return nil, 0, err
		}
		if len(files) == 0 {
			continue
		}
		total += count
		sources = append(sources, pipeline.TarSource{
			Prefix: root.prefix,
			Root:   root.dir,
			Files:  files,
		})
	}
	return sources, total, nil
}

// collectDataFiles walks one data directory, applying the exclusion policy at
// its top level. Returns relative paths (directories included, so empty
// directories and modes survive) and the count of non-directory entries.
func collectDataFiles(dir string) ([]string, int, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if !info.IsDir() {
		return nil, 0, nil
	}

	var files []string
	count := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if excludedDataDirs[top] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, count, nil
}

// writeAuxMetadata emits the optional per-app files. Each is independently
// optional: the absence of the underlying fact is recorded by the file's
// absence, never by an error. Lookup failures degrade to warnings on the
// app's result.
func (o *Orchestrator) writeAuxMetadata(ctx context.Context, facts *pm.AppFacts, recordDir string, result *report.AppResult) {
	if len(facts.GrantedPermissions) > 0 {
		data := strings.Join(facts.GrantedPermissions, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(recordDir, format.PermissionsFile), []byte(data), 0o600); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("permissions not recorded: %v", err))
		}
	}

	if line, err := o.ssaid.Lookup(facts.Package); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("device-ID record not read: %v", err))
	} else if line != "" {
		if err := os.WriteFile(filepath.Join(recordDir, format.SsaidFile), []byte(line+"\n"), 0o600); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("device-ID record not written: %v", err))
		}
	}

	if exempt, err := o.svc.IsBatteryExempt(ctx, facts.Package); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("battery exemption not checked: %v", err))
	} else if exempt {
		if err := os.WriteFile(filepath.Join(recordDir, format.BatteryOptFile), nil, 0o600); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("battery marker not written: %v", err))
		}
	}

	if facts.Installer != "" {
		if err := os.WriteFile(filepath.Join(recordDir, format.InstallerFile), []byte(facts.Installer+"\n"), 0o600); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("installer name not written: %v", err))
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
