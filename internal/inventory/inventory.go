// Package inventory resolves the set of applications a backup run processes.
package inventory

import (
	"context"

	"github.com/kdrag0n/cbackup/internal/logging"
)

// PackageLister is the slice of the package service the resolver needs.
type PackageLister interface {
	ListPackages(ctx context.Context, systemOnly bool) ([]string, error)
}

// Apps that bind their credentials to hardware keystore state, which does not
// survive a reinstall; restoring their data produces a broken login at best.
var staticExclusions = []string{
	"com.google.android.apps.walletnfcrel",
	"com.google.android.gms",
	"com.nintendo.znca",
}

// Resolver computes the ordered app-processing set.
type Resolver struct {
	logger *logging.Logger
	lister PackageLister
	skip   map[string]bool
}

// NewResolver creates a resolver. extraExclusions extends the static
// exclusion list. The host package stays in the set: its own record is what
// makes a self-restore possible later.
func NewResolver(logger *logging.Logger, lister PackageLister, extraExclusions []string) *Resolver {
	skip := make(map[string]bool, len(staticExclusions)+len(extraExclusions))
	for _, pkg := range staticExclusions {
		skip[pkg] = true
	}
	for _, pkg := range extraExclusions {
		skip[pkg] = true
	}
	return &Resolver{logger: logger, lister: lister, skip: skip}
}

// ListBackupTargets returns user-installed packages in service order, minus
// exclusions. The order is stable for display only; nothing downstream may
// depend on it for correctness.
func (r *Resolver) ListBackupTargets(ctx context.Context) ([]string, error) {
	all, err := r.lister.ListPackages(ctx, false)
	if err != nil {
		return nil, err
	}
	system, err := r.lister.ListPackages(ctx, true)
	if err != nil {
		return nil, err
	}

	isSystem := make(map[string]bool, len(system))
	for _, pkg := range system {
		isSystem[pkg] = true
	}

	var targets []string
	for _, pkg := range all {
		if isSystem[pkg] {
			continue
		}
		if r.skip[pkg] {
			r.logger.Skip("%s (excluded)", pkg)
			continue
		}
		targets = append(targets, pkg)
	}
	return targets, nil
}
