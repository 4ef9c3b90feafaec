package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeBundle(t *testing.T, manifestName, content string, files ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "main-hub-1.4.0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("image"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const plainManifest = `{
  "artifacts": {
    "bootloader": "bootloader.bin",
    "boot_app0": "boot_app0.bin",
    "partitions": "partitions.bin",
    "firmware": "firmware.bin",
    "spiffs": "spiffs.bin",
    "factory_cfg": "factory_cfg.bin"
  },
  "flash_encryption": "disabled",
  "factory_ssid": "MainHub-Setup",
  "ap_password": "factory123",
  "target_ip": "192.168.4.1",
  "version": "1.4.0",
  "environment": "production",
  "git_commit": "abc1234"
}`

var plainFiles = []string{"bootloader.bin", "boot_app0.bin", "partitions.bin", "firmware.bin", "spiffs.bin", "factory_cfg.bin"}

func TestLoadJSONFromDirectory(t *testing.T) {
	dir := writeBundle(t, DefaultName, plainManifest, plainFiles...)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Artifacts.Firmware != "firmware.bin" {
		t.Errorf("Artifacts.Firmware = %q", m.Artifacts.Firmware)
	}
	if m.Encrypted() {
		t.Error("Encrypted() = true, want false")
	}
	if m.TargetIP != "192.168.4.1" || m.FactorySSID != "MainHub-Setup" {
		t.Errorf("network fields = %q/%q", m.TargetIP, m.FactorySSID)
	}
	if m.Dir != dir {
		t.Errorf("Dir = %q, want %q", m.Dir, dir)
	}
	if m.Bundle() != "main-hub-1.4.0" {
		t.Errorf("Bundle() = %q", m.Bundle())
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
artifacts:
  bootloader: bin/bootloader.bin
  boot_app0: bin/boot_app0.bin
  partitions: bin/partitions.bin
  firmware: bin/firmware.bin
  spiffs: bin/spiffs.bin
encrypted_artifacts:
  firmware: enc/firmware.bin
flash_encryption: Enabled
version: "2.0.0"
`
	dir := writeBundle(t, "manifest.yaml", content)
	m, err := Load(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !m.Encrypted() {
		t.Error("Encrypted() = false for \"Enabled\"")
	}
	if got := m.EncryptedArtifacts.Get("firmware"); got != "enc/firmware.bin" {
		t.Errorf("EncryptedArtifacts.Get(firmware) = %q", got)
	}
	if got := m.EncryptedArtifacts.Get("spiffs"); got != "" {
		t.Errorf("EncryptedArtifacts.Get(spiffs) = %q, want empty", got)
	}
	if m.Bundle() != filepath.Base(dir)+"@2.0.0" {
		t.Errorf("Bundle() = %q", m.Bundle())
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing manifest")
	}

	dir := writeBundle(t, DefaultName, `{"artifacts": [}`)
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateMissingArtifacts(t *testing.T) {
	dir := writeBundle(t, DefaultName, plainManifest, "bootloader.bin", "boot_app0.bin", "partitions.bin")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	err = m.Validate()
	var merr *Error
	if !errors.As(err, &merr) {
		t.Fatalf("Validate() error = %v, want *Error", err)
	}
	if len(merr.Problems) != 3 {
		t.Errorf("problems = %v, want firmware, spiffs and factory_cfg", merr.Problems)
	}
}

func TestValidateEncryptedRequiresAllVariants(t *testing.T) {
	content := `{
  "artifacts": {"bootloader": "b.bin", "boot_app0": "a.bin", "partitions": "p.bin", "firmware": "f.bin", "spiffs": "s.bin"},
  "encrypted_artifacts": {"bootloader": "enc/b.bin", "boot_app0": "enc/a.bin", "partitions": "enc/p.bin", "spiffs": "enc/s.bin"},
  "flash_encryption": "enabled"
}`
	dir := writeBundle(t, DefaultName, content,
		"b.bin", "a.bin", "p.bin", "f.bin", "s.bin",
		"enc/b.bin", "enc/a.bin", "enc/p.bin", "enc/s.bin")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	err = m.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded without encrypted firmware")
	}
	if !strings.Contains(err.Error(), "encrypted_artifacts.firmware is required") {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	dir := writeBundle(t, DefaultName, plainManifest, plainFiles...)
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve("../outside.bin"); err == nil {
		t.Error("Resolve() accepted a path outside the release directory")
	}
	if _, err := m.Resolve("firmware.bin"); err != nil {
		t.Errorf("Resolve(firmware.bin) error = %v", err)
	}
}
