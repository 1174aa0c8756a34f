// Package format defines the on-disk layout of one app's backup record and
// the validity gate every consumer must pass before trusting a record.
package format

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kdrag0n/cbackup/internal/pipeline"
)

// Version is the backup format version this build reads and writes. There is
// no forward or backward compatibility: earlier revisions of the format (with
// their mismatched canary names and optional-field semantics) are rejected
// outright rather than half-supported.
const Version = 2

// Files of a record directory. Version marker and canary are the validity
// gate; everything else is optional and self-describing by presence.
const (
	VersionFile     = "backup_version.txt"
	CanaryFile      = "password_canary.enc"
	ApkDir          = "apk"
	DataArchiveFile = "data.tar.zst.enc"
	PermissionsFile = "permissions.list"
	SsaidFile       = "ssaid.xml"
	BatteryOptFile  = "battery_opt_disabled"
	InstallerFile   = "installer_name.txt"
)

// CanaryPlaintext is the known value whose successful decryption proves the
// password before any other file in a record is trusted.
const CanaryPlaintext = "cbackup-valid"

// ErrVersionMismatch gates records written by a different format revision.
var ErrVersionMismatch = errors.New("unsupported backup version")

// ErrBadPassword gates records whose canary does not decrypt to the known
// plaintext: wrong password or corrupted record.
var ErrBadPassword = errors.New("password canary mismatch")

// WriteVersionMarker writes the format version marker into a record dir.
func WriteVersionMarker(recordDir string) error {
	return os.WriteFile(filepath.Join(recordDir, VersionFile),
		[]byte(strconv.Itoa(Version)+"\n"), 0o600)
}

// CheckVersionMarker reads and validates the record's version marker.
func CheckVersionMarker(recordDir string) error {
	raw, err := os.ReadFile(filepath.Join(recordDir, VersionFile))
	if err != nil {
		return fmt.Errorf("read version marker: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	version, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("%w: unreadable marker %q", ErrVersionMismatch, text)
	}
	if version != Version {
		return fmt.Errorf("%w: record has version %d, this build requires %d",
			ErrVersionMismatch, version, Version)
	}
	return nil
}

// WriteCanary encrypts and writes the password canary into a record dir.
func WriteCanary(recordDir, password string) error {
	encrypted, err := pipeline.EncryptBytes(password, []byte(CanaryPlaintext))
	if err != nil {
		return fmt.Errorf("encrypt canary: %w", err)
	}
	return os.WriteFile(filepath.Join(recordDir, CanaryFile), encrypted, 0o600)
}

// VerifyCanary decrypts the record's canary and compares it against the known
// plaintext. Any mismatch is ErrBadPassword; the caller cannot distinguish a
// wrong password from a corrupted record, and must not trust either.
func VerifyCanary(recordDir, password string) error {
	encrypted, err := os.ReadFile(filepath.Join(recordDir, CanaryFile))
	if err != nil {
		return fmt.Errorf("read canary: %w", err)
	}
	plain, err := pipeline.DecryptBytes(password, encrypted)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPassword, err)
	}
	if subtle.ConstantTimeCompare(plain, []byte(CanaryPlaintext)) != 1 {
		return ErrBadPassword
	}
	return nil
}

// ValidateRecord runs the full validity gate of one record directory.
func ValidateRecord(recordDir, password string) error {
	if err := CheckVersionMarker(recordDir); err != nil {
		return err
	}
	return VerifyCanary(recordDir, password)
}
