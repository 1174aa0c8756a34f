package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kdrag0n/cbackup/internal/format"
	"github.com/kdrag0n/cbackup/internal/logging"
	"github.com/kdrag0n/cbackup/internal/pipeline"
	"github.com/kdrag0n/cbackup/internal/pm"
	"github.com/kdrag0n/cbackup/internal/report"
	"github.com/kdrag0n/cbackup/internal/ssaid"
	"github.com/kdrag0n/cbackup/internal/types"
)

type fakeService struct {
	all    []string
	system []string

	facts    map[string]*pm.AppFacts
	factsErr map[string]error

	supportsSuspend bool
	suspendErr      error
	suspended       []string
	unsuspended     []string

	exempt map[string]bool
}

func (s *fakeService) ListPackages(ctx context.Context, systemOnly bool) ([]string, error) {
	if systemOnly {
		return s.system, nil
	}
	return s.all, nil
}

func (s *fakeService) ExtractFacts(ctx context.Context, pkg string) (*pm.AppFacts, error) {
	if err := s.factsErr[pkg]; err != nil {
		return nil, err
	}
	facts, ok := s.facts[pkg]
	if !ok {
		return nil, errors.New("no facts for " + pkg)
	}
	return facts, nil
}

func (s *fakeService) SupportsSuspend(ctx context.Context) bool { return s.supportsSuspend }

func (s *fakeService) Suspend(ctx context.Context, pkg string) error {
	if s.suspendErr != nil {
		return s.suspendErr
	}
	s.suspended = append(s.suspended, pkg)
	return nil
}

func (s *fakeService) Unsuspend(ctx context.Context, pkg string) error {
	s.unsuspended = append(s.unsuspended, pkg)
	return nil
}

func (s *fakeService) IsBatteryExempt(ctx context.Context, pkg string) (bool, error) {
	return s.exempt[pkg], nil
}

func quietLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

// setDataRoots swaps the CE/DE data roots to temp directories for the test.
func setDataRoots(t *testing.T) (string, string) {
	t.Helper()
	origCE, origDE := ceRoot, deRoot
	ceRoot = filepath.Join(t.TempDir(), "ce")
	deRoot = filepath.Join(t.TempDir(), "de")
	t.Cleanup(func() { ceRoot, deRoot = origCE, origDE })
	return ceRoot, deRoot
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newAppFixture lays out an installed app: APKs at a code path and private
// data under the swapped roots.
func newAppFixture(t *testing.T, pkg string) *pm.AppFacts {
	t.Helper()
	codePath := filepath.Join(t.TempDir(), "app")
	writeFile(t, filepath.Join(codePath, "base.apk"), "apk bytes for "+pkg)
	writeFile(t, filepath.Join(ceRoot, pkg, "files", "settings.db"), "ce data")
	writeFile(t, filepath.Join(ceRoot, pkg, "cache", "scratch.tmp"), "regenerable")
	writeFile(t, filepath.Join(deRoot, pkg, "prefs.xml"), "de data")
	return &pm.AppFacts{
		Package:            pkg,
		CodePath:           codePath,
		UserID:             10234,
		Installer:          "com.android.vending",
		GrantedPermissions: []string{"android.permission.CAMERA"},
	}
}

func newOrchestrator(t *testing.T, svc *fakeService, opts Options) *Orchestrator {
	t.Helper()
	if opts.DestRoot == "" {
		opts.DestRoot = filepath.Join(t.TempDir(), "set")
	}
	if opts.Password == "" {
		opts.Password = "hunter2"
	}
	if opts.ZstdLevel == 0 {
		opts.ZstdLevel = 3
	}
	registry := ssaid.New(filepath.Join(t.TempDir(), "absent_ssaid.xml"))
	return New(quietLogger(), svc, registry, opts)
}

func TestRunProducesCompleteRecord(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all:             []string{"com.example.app"},
		facts:           map[string]*pm.AppFacts{"com.example.app": newAppFixture(t, "com.example.app")},
		supportsSuspend: true,
		exempt:          map[string]bool{"com.example.app": true},
	}
	o := newOrchestrator(t, svc, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Ok() {
		t.Fatalf("Run() results = %+v", summary.Results())
	}

	recordDir := filepath.Join(o.opts.DestRoot, "com.example.app")
	if err := format.ValidateRecord(recordDir, "hunter2"); err != nil {
		t.Errorf("ValidateRecord() error = %v", err)
	}
	for _, name := range []string{
		filepath.Join(format.ApkDir, "base.apk"),
		format.DataArchiveFile,
		format.PermissionsFile,
		format.BatteryOptFile,
		format.InstallerFile,
	} {
		if _, err := os.Stat(filepath.Join(recordDir, name)); err != nil {
			t.Errorf("record missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(recordDir, format.SsaidFile)); err == nil {
		t.Error("device-ID file written for an app with no registry entry")
	}

	perms, err := os.ReadFile(filepath.Join(recordDir, format.PermissionsFile))
	if err != nil || string(perms) != "android.permission.CAMERA\n" {
		t.Errorf("permissions file = %q, %v", perms, err)
	}
	installer, err := os.ReadFile(filepath.Join(recordDir, format.InstallerFile))
	if err != nil || string(installer) != "com.android.vending\n" {
		t.Errorf("installer file = %q, %v", installer, err)
	}
}

func TestRunArchiveRoundTrips(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all:   []string{"com.example.app"},
		facts: map[string]*pm.AppFacts{"com.example.app": newAppFixture(t, "com.example.app")},
	}
	o := newOrchestrator(t, svc, Options{})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	archive, err := os.ReadFile(filepath.Join(o.opts.DestRoot, "com.example.app", format.DataArchiveFile))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	ceOut := t.TempDir()
	deOut := t.TempDir()
	err = pipeline.Run(context.Background(), []pipeline.Stage{
		pipeline.Decrypt("hunter2"),
		pipeline.ZstdDecompress(),
		pipeline.TarUnpack(map[string]string{"ce": ceOut, "de": deOut}),
	}, bytes.NewReader(archive), nil)
	if err != nil {
		t.Fatalf("unpack archive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ceOut, "files", "settings.db"))
	if err != nil || string(data) != "ce data" {
		t.Errorf("CE data = %q, %v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(deOut, "prefs.xml"))
	if err != nil || string(data) != "de data" {
		t.Errorf("DE data = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(ceOut, "cache", "scratch.tmp")); err == nil {
		t.Error("cache contents leaked into the archive")
	}
}

func TestRunNoPrivateData(t *testing.T) {
	setDataRoots(t)
	codePath := filepath.Join(t.TempDir(), "app")
	writeFile(t, filepath.Join(codePath, "base.apk"), "apk bytes")
	svc := &fakeService{
		all: []string{"com.example.empty"},
		facts: map[string]*pm.AppFacts{"com.example.empty": {
			Package:  "com.example.empty",
			CodePath: codePath,
			UserID:   10300,
		}},
	}
	o := newOrchestrator(t, svc, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Ok() {
		t.Fatalf("an app without private data must still complete: %+v", summary.Results())
	}
	archive := filepath.Join(o.opts.DestRoot, "com.example.empty", format.DataArchiveFile)
	if _, err := os.Stat(archive); err == nil {
		t.Error("empty data set still produced an archive")
	}
}

func TestRunIsolatesPerAppFailure(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all: []string{"com.example.bad", "com.example.good"},
		facts: map[string]*pm.AppFacts{
			"com.example.good": newAppFixture(t, "com.example.good"),
		},
		factsErr: map[string]error{
			"com.example.bad": errors.New("dump truncated"),
		},
	}
	o := newOrchestrator(t, svc, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	results := summary.Results()
	if len(results) != 2 {
		t.Fatalf("results = %+v, want both apps recorded", results)
	}
	if results[0].Outcome != report.OutcomeFailed {
		t.Errorf("bad app outcome = %q, want failed", results[0].Outcome)
	}
	if results[1].Outcome != report.OutcomeCompleted {
		t.Errorf("good app outcome = %q, want completed", results[1].Outcome)
	}
	if err := format.ValidateRecord(filepath.Join(o.opts.DestRoot, "com.example.good"), "hunter2"); err != nil {
		t.Errorf("surviving app's record invalid: %v", err)
	}
}

func TestSuspendPairedWithRelease(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all:             []string{"com.example.app"},
		facts:           map[string]*pm.AppFacts{"com.example.app": newAppFixture(t, "com.example.app")},
		supportsSuspend: true,
	}
	o := newOrchestrator(t, svc, Options{})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(svc.suspended) != 1 || svc.suspended[0] != "com.example.app" {
		t.Errorf("suspended = %v", svc.suspended)
	}
	if len(svc.unsuspended) != 1 || svc.unsuspended[0] != "com.example.app" {
		t.Errorf("unsuspended = %v", svc.unsuspended)
	}
}

func TestHostPackageNeverSuspended(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all:             []string{"com.termux"},
		facts:           map[string]*pm.AppFacts{"com.termux": newAppFixture(t, "com.termux")},
		supportsSuspend: true,
	}
	o := newOrchestrator(t, svc, Options{HostPackage: "com.termux"})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Ok() {
		t.Fatalf("host backup failed: %+v", summary.Results())
	}
	if len(svc.suspended) != 0 {
		t.Errorf("host package was suspended: %v", svc.suspended)
	}
}

func TestRunNoApks(t *testing.T) {
	setDataRoots(t)
	svc := &fakeService{
		all: []string{"com.example.app"},
		facts: map[string]*pm.AppFacts{"com.example.app": {
			Package:  "com.example.app",
			CodePath: t.TempDir(),
			UserID:   10234,
		}},
	}
	o := newOrchestrator(t, svc, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Ok() {
		t.Error("an app without APKs must fail its record")
	}
}

func TestPrepareDestRefusesRoot(t *testing.T) {
	o := newOrchestrator(t, &fakeService{}, Options{DestRoot: "/"})
	if _, err := o.Run(context.Background()); err == nil {
		t.Error("Run() accepted / as destination")
	}
}
