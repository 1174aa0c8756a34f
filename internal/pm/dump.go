package pm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// AppFacts is the per-app snapshot recovered from the package service dump.
// It is rebuilt fresh on every query; only files derived from it are ever
// persisted.
type AppFacts struct {
	Package string

	// CodePath is the install directory holding base.apk and any splits.
	CodePath string

	// UserID is the numeric OS uid assigned to the app. It is install-scoped:
	// a reinstall may assign a different value.
	UserID int

	// Installer is the attributed installer package, empty when unattributed.
	Installer string

	// GrantedPermissions lists runtime permissions currently granted.
	GrantedPermissions []string
}

// ParseError reports a mandatory field missing from the dump text.
type ParseError struct {
	Package string
	Field   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("package dump for %s: mandatory field %s not found", e.Package, e.Field)
}

// Dump-text field markers. The dump is a text protocol: indented key=value
// lines plus a runtime permissions block of "<name>: granted=true" entries.
const (
	markerCodePath  = "codePath="
	markerUserID    = "userId="
	markerInstaller = "installerPackageName="
	markerGranted   = ": granted=true"
)

// ExtractFacts queries and parses the dump for one package. Missing optional
// fields (installer, permissions) degrade to absent; missing mandatory fields
// (install path, user id) fail with ParseError.
func (s *Service) ExtractFacts(ctx context.Context, pkg string) (*AppFacts, error) {
	dump, err := s.Dump(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return ParseDump(pkg, dump)
}

// ParseDump parses the free-text package dump into AppFacts.
func ParseDump(pkg, dump string) (*AppFacts, error) {
	facts := &AppFacts{Package: pkg, UserID: -1}
	seen := map[string]bool{}
	inRuntime := false

	for _, raw := range strings.Split(dump, "\n") {
		line := strings.TrimSpace(raw)
		if line == "runtime permissions:" {
			inRuntime = true
			continue
		}
		if inRuntime && !strings.Contains(line, "granted=") {
			inRuntime = false
		}
		switch {
		case facts.CodePath == "" && strings.HasPrefix(line, markerCodePath):
			facts.CodePath = strings.TrimPrefix(line, markerCodePath)

		case facts.UserID < 0 && strings.HasPrefix(line, markerUserID):
			value := strings.Fields(strings.TrimPrefix(line, markerUserID))
			if len(value) > 0 {
				if uid, err := strconv.Atoi(value[0]); err == nil {
					facts.UserID = uid
				}
			}

		case facts.Installer == "" && strings.HasPrefix(line, markerInstaller):
			installer := strings.TrimPrefix(line, markerInstaller)
			if installer != "null" {
				facts.Installer = installer
			}

		case inRuntime && (strings.HasSuffix(line, markerGranted) || strings.Contains(line, markerGranted+",")):
			name := strings.SplitN(line, ":", 2)[0]
			if isPermissionName(name) && !seen[name] {
				seen[name] = true
				facts.GrantedPermissions = append(facts.GrantedPermissions, name)
			}
		}
	}

	if facts.CodePath == "" {
		return nil, &ParseError{Package: pkg, Field: "codePath"}
	}
	if facts.UserID < 0 {
		return nil, &ParseError{Package: pkg, Field: "userId"}
	}
	return facts, nil
}

// isPermissionName filters out non-permission lines that merely mention a
// granted state (e.g. the install permission summary header).
func isPermissionName(name string) bool {
	if name == "" || strings.ContainsAny(name, " \t") {
		return false
	}
	return strings.Contains(name, ".")
}
