package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kdrag0n/cbackup/internal/format"
	"github.com/kdrag0n/cbackup/internal/report"
)

// Self-hotswap: restoring the host tool's own data directory. Extraction must
// never target the live directory, because this process is executing out of
// it; instead the archive lands in sibling workspaces that are renamed into
// place.
//
// Between the rename of the live directory aside and the rename of the
// workspace into its path, the live path does not exist. That window is a
// hard invariant of the design, kept as narrow as two renames: inside it this
// process may rely only on its already-open file descriptors, its mapped
// executable, and OS-provided utilities, never anything bundled inside the
// host environment. Abrupt termination inside the window leaves the
// environment broken and needs manual recovery; that risk is accepted and
// surfaced to the operator, not engineered away.

const (
	hotswapNewSuffix = ".cbackup-new"
	hotswapOldSuffix = ".cbackup-old"
)

// Tools re-probed after the swap: the swapped-in environment may provide or
// lack them differently from the one that was displaced.
var reprobedTools = []string{"pm", "dumpsys", "getprop"}

var (
	nowUnixNano = func() int64 { return time.Now().UnixNano() }
	lookPath    = exec.LookPath
	renameDir   = os.Rename
)

// restoreSelf restores the host package's record. The APK install step is
// skipped: the running install is the one being restored into.
func (o *Orchestrator) restoreSelf(ctx context.Context, pkg, recordDir string, result *report.AppResult, summary *report.Summary) error {
	o.logger.Step("Self-restore of host environment %s", pkg)

	facts, err := o.svc.ExtractFacts(ctx, pkg)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(recordDir, format.DataArchiveFile)
	if _, err := os.Stat(archivePath); errors.Is(err, os.ErrNotExist) {
		o.logger.Skip("No data archive recorded")
	} else if err != nil {
		return err
	} else {
		if err := o.hotswapData(ctx, pkg, archivePath, facts.UserID); err != nil {
			return err
		}
		summary.AddDeferred("Host environment %s was restored in place; restart it before doing anything else", pkg)
	}

	o.restoreAuxMetadata(ctx, pkg, recordDir, result, summary)
	return nil
}

// hotswapData extracts the archive into sibling workspaces, repairs them
// fully, then swaps each one into the live path with two renames.
func (o *Orchestrator) hotswapData(ctx context.Context, pkg, archivePath string, uid int) error {
	stamp := nowUnixNano()
	live := map[string]string{
		cePrefix: filepath.Join(ceRoot, pkg),
		dePrefix: filepath.Join(deRoot, pkg),
	}
	dests := map[string]string{
		cePrefix: fmt.Sprintf("%s%s.%d", live[cePrefix], hotswapNewSuffix, stamp),
		dePrefix: fmt.Sprintf("%s%s.%d", live[dePrefix], hotswapNewSuffix, stamp),
	}
	label := readSecurityContext(live[cePrefix])

	for _, ws := range dests {
		if err := os.MkdirAll(ws, 0o700); err != nil {
			return fmt.Errorf("create hotswap workspace: %w", err)
		}
	}
	cleanupWorkspaces := func() {
		for _, ws := range dests {
			os.RemoveAll(ws)
		}
	}

	if err := o.extractArchive(ctx, archivePath, dests); err != nil {
		cleanupWorkspaces()
		return err
	}

	// Repair while the workspace is still a workspace; after the swap the
	// files must already be exactly what the app expects.
	for _, ws := range dests {
		if err := repairTree(ws, uid, label); err != nil {
			cleanupWorkspaces()
			return fmt.Errorf("repair workspace: %w", err)
		}
	}

	var swaps []completedSwap
	for _, prefix := range []string{cePrefix, dePrefix} {
		old, err := swapDirs(live[prefix], dests[prefix], stamp)
		if err != nil {
			// A later prefix's failure must not leave the host running on a
			// mix of generations.
			o.rollbackSwaps(live, dests, swaps)
			cleanupWorkspaces()
			return err
		}
		swaps = append(swaps, completedSwap{prefix: prefix, displaced: old})
	}

	o.refreshAfterSwap()

	// Only once the new environment is live and the process re-anchored does
	// the displaced directory go away.
	for _, s := range swaps {
		if s.displaced == "" {
			continue
		}
		if err := os.RemoveAll(s.displaced); err != nil {
			o.logger.Warning("Displaced directory %s not removed: %v", s.displaced, err)
		}
	}
	o.logger.Step("Host data hotswap complete")
	return nil
}

// completedSwap records one prefix already swapped into its live path, with
// the displaced previous generation ("" when none existed).
type completedSwap struct {
	prefix    string
	displaced string
}

// rollbackSwaps undoes completed prefix swaps in reverse order: the swapped-in
// directory goes back to its workspace path and the displaced previous
// generation returns to the live path. Each step is best effort; a failed step
// surfaces the displaced path for manual recovery.
func (o *Orchestrator) rollbackSwaps(live, dests map[string]string, swaps []completedSwap) {
	for i := len(swaps) - 1; i >= 0; i-- {
		s := swaps[i]
		livePath := live[s.prefix]
		if err := renameDir(livePath, dests[s.prefix]); err != nil {
			o.logger.Warning("Rollback of %s failed: %v (previous data at %s)", livePath, err, s.displaced)
			continue
		}
		if s.displaced == "" {
			continue
		}
		if err := renameDir(s.displaced, livePath); err != nil {
			o.logger.Warning("Previous data for %s not restored: %v (still at %s)", livePath, err, s.displaced)
		}
	}
}

// swapDirs renames live aside and the replacement into its place, returning
// the displaced path. If the second rename fails, the displaced directory is
// renamed back so the environment stays usable.
func swapDirs(live, replacement string, stamp int64) (string, error) {
	displaced := fmt.Sprintf("%s%s.%d", live, hotswapOldSuffix, stamp)

	hadLive := true
	if err := renameDir(live, displaced); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("displace %s: %w", live, err)
		}
		hadLive = false
	}

	// Unsafe window: the live path does not exist until this rename lands.
	if err := renameDir(replacement, live); err != nil {
		if hadLive {
			if rerr := renameDir(displaced, live); rerr != nil {
				return "", fmt.Errorf("swap in %s failed (%v) and rollback failed: %w", live, err, rerr)
			}
		}
		return "", fmt.Errorf("swap in %s: %w", live, err)
	}

	if !hadLive {
		return "", nil
	}
	return displaced, nil
}

// refreshAfterSwap re-anchors process state that silently points at the
// displaced filesystem entities: the working directory handle refers to the
// old inode until re-entered, and tool availability may have changed with the
// swapped-in environment.
func (o *Orchestrator) refreshAfterSwap() {
	if cwd, err := os.Getwd(); err == nil {
		if err := os.Chdir(cwd); err != nil {
			// cwd was inside the displaced tree; fall back to a path that
			// always exists.
			if err := os.Chdir("/"); err == nil {
				o.logger.Debug("Working directory moved to / after hotswap")
			}
		}
	} else if err := os.Chdir("/"); err == nil {
		o.logger.Debug("Working directory moved to / after hotswap")
	}

	for _, tool := range reprobedTools {
		if _, err := lookPath(tool); err != nil {
			o.logger.Warning("Tool %s not found after hotswap", tool)
		}
	}
}
