// Package ssaid reads and appends per-app device-ID records in the system
// settings registry, a line-oriented file keyed by package="<id>".
package ssaid

import (
	"fmt"
	"os"
	"strings"
)

// RegistryPath is the device-ID registry for OS user 0.
const RegistryPath = "/data/system/users/0/settings_ssaid.xml"

// Registry accesses the settings_ssaid.xml registry file.
type Registry struct {
	path string
}

// New returns a registry accessor; an empty path uses the user-0 default.
func New(path string) *Registry {
	if path == "" {
		path = RegistryPath
	}
	return &Registry{path: path}
}

// Lookup returns the registry line recording the package's device ID, or ""
// when the package has none (including when the registry file is absent).
func (r *Registry) Lookup(pkg string) (string, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read device-ID registry: %w", err)
	}

	marker := fmt.Sprintf("package=%q", pkg)
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.Contains(line, marker) {
			return strings.TrimRight(line, "\r"), nil
		}
	}
	return "", nil
}

// Append appends a recorded device-ID line to the registry. The OS only picks
// the entry up at the next boot; callers must surface the reboot requirement.
func (r *Registry) Append(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("empty device-ID record")
	}

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open device-ID registry: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("append device-ID record: %w", err)
	}
	return nil
}
