package config

import (
	"errors"
	"testing"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := getenv
	getenv = func(key string) string { return env[key] }
	t.Cleanup(func() { getenv = orig })
}

func withExecutable(t *testing.T, path string, err error) {
	t.Helper()
	orig := executablePath
	executablePath = func() (string, error) { return path, err }
	t.Cleanup(func() { executablePath = orig })
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, nil)
	withExecutable(t, "", errors.New("no executable"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Password != "" {
		t.Errorf("Password = %q, want empty", cfg.Password)
	}
	if cfg.HostPackage != defaultHostPackage {
		t.Errorf("HostPackage = %q, want %q", cfg.HostPackage, defaultHostPackage)
	}
	if cfg.ZstdLevel != defaultZstdLevel {
		t.Errorf("ZstdLevel = %d, want %d", cfg.ZstdLevel, defaultZstdLevel)
	}
	if len(cfg.ExtraExclusions) != 0 {
		t.Errorf("ExtraExclusions = %v, want none", cfg.ExtraExclusions)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	withEnv(t, map[string]string{
		envPassword:    "hunter2",
		envHostPackage: "com.example.host",
		envExclude:     "com.example.a, com.example.b,,",
		envZstdLevel:   "9",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Password != "hunter2" {
		t.Errorf("Password = %q", cfg.Password)
	}
	if cfg.HostPackage != "com.example.host" {
		t.Errorf("HostPackage = %q", cfg.HostPackage)
	}
	if cfg.ZstdLevel != 9 {
		t.Errorf("ZstdLevel = %d", cfg.ZstdLevel)
	}
	want := []string{"com.example.a", "com.example.b"}
	if len(cfg.ExtraExclusions) != len(want) {
		t.Fatalf("ExtraExclusions = %v, want %v", cfg.ExtraExclusions, want)
	}
	for i := range want {
		if cfg.ExtraExclusions[i] != want[i] {
			t.Errorf("ExtraExclusions[%d] = %q, want %q", i, cfg.ExtraExclusions[i], want[i])
		}
	}
}

func TestLoadBadZstdLevel(t *testing.T) {
	for _, raw := range []string{"abc", "0", "23"} {
		withEnv(t, map[string]string{envZstdLevel: raw})
		withExecutable(t, "", errors.New("no executable"))
		if _, err := Load(); err == nil {
			t.Errorf("Load() accepted zstd level %q", raw)
		}
	}
}

func TestValidateHostPackage(t *testing.T) {
	cfg := &Config{HostPackage: "../etc", ZstdLevel: 3}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a host package with a path separator")
	}

	cfg.HostPackage = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted an empty host package")
	}
}

func TestDetectHostPackage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/data/data/com.termux/files/usr/bin/cbackup", "com.termux"},
		{"/data/user/0/com.example.host/files/cbackup", "com.example.host"},
		{"/system/bin/sh", defaultHostPackage},
		{"/usr/local/bin/cbackup", defaultHostPackage},
	}
	for _, tt := range tests {
		withExecutable(t, tt.path, nil)
		if got := detectHostPackage(); got != tt.want {
			t.Errorf("detectHostPackage() with exe %q = %q, want %q", tt.path, got, tt.want)
		}
	}
}
