package ssaid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRegistry = `<settings version="-1">
  <setting id="12" name="userkey" value="..." package="android" />
  <setting id="17" name="10234" value="a1b2c3d4e5f60718" package="com.example.app" defaultValue="a1b2c3d4e5f60718" />
</settings>
`

func writeRegistry(t *testing.T, content string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings_ssaid.xml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return New(path)
}

func TestLookup(t *testing.T) {
	reg := writeRegistry(t, sampleRegistry)

	line, err := reg.Lookup("com.example.app")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !strings.Contains(line, `package="com.example.app"`) {
		t.Errorf("Lookup() = %q, want the app's registry line", line)
	}
	if !strings.Contains(line, "a1b2c3d4e5f60718") {
		t.Errorf("Lookup() = %q, missing the recorded id", line)
	}
}

func TestLookupAbsentPackage(t *testing.T) {
	reg := writeRegistry(t, sampleRegistry)

	line, err := reg.Lookup("com.example.other")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if line != "" {
		t.Errorf("Lookup() = %q, want empty for unrecorded package", line)
	}
}

func TestLookupMissingRegistry(t *testing.T) {
	reg := New(filepath.Join(t.TempDir(), "nonexistent.xml"))

	line, err := reg.Lookup("com.example.app")
	if err != nil {
		t.Fatalf("Lookup() error = %v, want nil for absent registry", err)
	}
	if line != "" {
		t.Errorf("Lookup() = %q, want empty", line)
	}
}

func TestAppend(t *testing.T) {
	reg := writeRegistry(t, sampleRegistry)
	record := `  <setting id="18" name="10240" value="ffeeddccbbaa0099" package="com.example.new" defaultValue="ffeeddccbbaa0099" />`

	if err := reg.Append(record); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	line, err := reg.Lookup("com.example.new")
	if err != nil {
		t.Fatalf("Lookup() after append error = %v", err)
	}
	if !strings.Contains(line, "ffeeddccbbaa0099") {
		t.Errorf("appended record not found, got %q", line)
	}
}

func TestAppendEmptyRecord(t *testing.T) {
	reg := writeRegistry(t, sampleRegistry)
	if err := reg.Append("   \n"); err == nil {
		t.Error("Append() accepted an empty record")
	}
}
