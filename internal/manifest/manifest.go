package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/hubflash/internal/flashplan"
	"github.com/BadgerOps/hubflash/internal/safety"
)

// DefaultName is the manifest file name inside a release directory.
const DefaultName = "manifest.json"

// EncryptionEnabled is the flash_encryption value that requires
// pre-encrypted artifacts and burned efuses.
const EncryptionEnabled = "enabled"

// ArtifactSet names one file per flash region, relative to the release
// directory.
type ArtifactSet struct {
	Bootloader string `yaml:"bootloader" json:"bootloader"`
	BootApp0   string `yaml:"boot_app0" json:"boot_app0"`
	Partitions string `yaml:"partitions" json:"partitions"`
	Firmware   string `yaml:"firmware" json:"firmware"`
	SPIFFS     string `yaml:"spiffs" json:"spiffs"`
	FactoryCfg string `yaml:"factory_cfg" json:"factory_cfg"`
}

// Get returns the file name declared for region, or "".
func (a *ArtifactSet) Get(region string) string {
	if a == nil {
		return ""
	}
	switch region {
	case flashplan.RegionBootloader:
		return a.Bootloader
	case flashplan.RegionBootApp0:
		return a.BootApp0
	case flashplan.RegionPartitions:
		return a.Partitions
	case flashplan.RegionFirmware:
		return a.Firmware
	case flashplan.RegionSPIFFS:
		return a.SPIFFS
	case flashplan.RegionFactoryConfig:
		return a.FactoryCfg
	}
	return ""
}

// Manifest describes a release bundle. Release builds emit manifest.json;
// hand-written bundles may use YAML.
type Manifest struct {
	Artifacts          ArtifactSet  `yaml:"artifacts" json:"artifacts"`
	EncryptedArtifacts *ArtifactSet `yaml:"encrypted_artifacts" json:"encrypted_artifacts"`
	FlashEncryption    string       `yaml:"flash_encryption" json:"flash_encryption"`
	FactorySSID        string       `yaml:"factory_ssid" json:"factory_ssid"`
	APPassword         string       `yaml:"ap_password" json:"ap_password"`
	TargetIP           string       `yaml:"target_ip" json:"target_ip"`
	Version            string       `yaml:"version" json:"version"`
	Environment        string       `yaml:"environment" json:"environment"`
	GitCommit          string       `yaml:"git_commit" json:"git_commit"`

	// Path is the manifest file and Dir the release directory containing it.
	Path string `yaml:"-" json:"-"`
	Dir  string `yaml:"-" json:"-"`
}

// Error lists every problem found in a manifest.
type Error struct {
	Path     string
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// Load reads a manifest. path may be the manifest file or its release
// directory.
func Load(path string) (*Manifest, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if fi.IsDir() {
		path = filepath.Join(path, DefaultName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	m := &Manifest{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, m)
	} else {
		err = yaml.Unmarshal(data, m)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest path: %w", err)
	}
	m.Path = abs
	m.Dir = filepath.Dir(abs)
	return m, nil
}

// Encrypted reports whether the manifest declares flash_encryption enabled.
func (m *Manifest) Encrypted() bool {
	return strings.EqualFold(strings.TrimSpace(m.FlashEncryption), EncryptionEnabled)
}

// Bundle identifies the release for audit records: the release directory
// name, with the version appended when declared.
func (m *Manifest) Bundle() string {
	name := filepath.Base(m.Dir)
	if m.Version != "" && !strings.Contains(name, m.Version) {
		name += "@" + m.Version
	}
	return name
}

// Resolve maps a declared artifact name to an existing file inside the
// release directory.
func (m *Manifest) Resolve(name string) (string, error) {
	path, err := safety.ResolveUnder(m.Dir, name)
	if err != nil {
		return "", err
	}
	if err := safety.RegularFile(path); err != nil {
		return "", fmt.Errorf("artifact %q: %w", name, err)
	}
	return path, nil
}

// Validate checks that every declared artifact, plaintext or encrypted,
// resolves to a file in the release directory. Plaintext images are
// required unless encryption is enabled, in which case every encrypted
// variant is required instead.
func (m *Manifest) Validate() error {
	var problems []string

	for _, region := range flashplan.ImageRegions {
		name := m.Artifacts.Get(region)
		if name == "" {
			// encrypted-only bundles may omit plaintext images
			if !m.Encrypted() {
				problems = append(problems, fmt.Sprintf("artifacts.%s is required", region))
			}
			continue
		}
		if _, err := m.Resolve(name); err != nil {
			problems = append(problems, fmt.Sprintf("artifacts.%s: %v", region, err))
		}
	}
	if name := m.Artifacts.FactoryCfg; name != "" {
		if _, err := m.Resolve(name); err != nil {
			problems = append(problems, fmt.Sprintf("artifacts.%s: %v", flashplan.RegionFactoryConfig, err))
		}
	}

	for _, region := range flashplan.ImageRegions {
		name := m.EncryptedArtifacts.Get(region)
		if name == "" {
			if m.Encrypted() {
				problems = append(problems, fmt.Sprintf("encrypted_artifacts.%s is required when flash_encryption is enabled", region))
			}
			continue
		}
		if _, err := m.Resolve(name); err != nil {
			problems = append(problems, fmt.Sprintf("encrypted_artifacts.%s: %v", region, err))
		}
	}

	if len(problems) > 0 {
		return &Error{Path: m.Path, Problems: problems}
	}
	return nil
}
