package artifacts

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/hubflash/internal/manifest"
)

// Artifact is the file chosen for one flash region.
type Artifact struct {
	Region    string
	Path      string
	Encrypted bool
}

// Selection is the resolved artifact set for a run.
type Selection struct {
	Artifacts []Artifact
	// AnyEncrypted forces the uncompressed write path: pre-encrypted images
	// must not go through the flashing tool's compression.
	AnyEncrypted bool
}

// Files maps region name to resolved path.
func (s *Selection) Files() map[string]string {
	out := make(map[string]string, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out[a.Region] = a.Path
	}
	return out
}

// SelectionError lists every region that could not be resolved.
type SelectionError struct {
	Problems []string
}

func (e *SelectionError) Error() string {
	return "artifact selection failed: " + strings.Join(e.Problems, "; ")
}

// Select picks the plaintext or encrypted variant for each region.
//
// With flash_encryption enabled the encrypted variant is mandatory and a
// missing one is an error; plaintext is never substituted. Otherwise a
// declared encrypted variant wins over plaintext.
func Select(m *manifest.Manifest, regions []string, logger *slog.Logger) (*Selection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	enabled := m.Encrypted()
	sel := &Selection{}
	var problems []string

	for _, region := range regions {
		encName := m.EncryptedArtifacts.Get(region)
		plainName := m.Artifacts.Get(region)

		if enabled && encName == "" {
			problems = append(problems, fmt.Sprintf("%s: encrypted artifact required by flash_encryption=enabled but not declared", region))
			continue
		}

		if encName != "" {
			path, err := m.Resolve(encName)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: encrypted artifact: %v", region, err))
				continue
			}
			sel.Artifacts = append(sel.Artifacts, Artifact{Region: region, Path: path, Encrypted: true})
			sel.AnyEncrypted = true
			logger.Debug("selected encrypted artifact", "region", region, "path", path)
			continue
		}

		if plainName == "" {
			problems = append(problems, fmt.Sprintf("%s: no artifact declared", region))
			continue
		}
		path, err := m.Resolve(plainName)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", region, err))
			continue
		}
		sel.Artifacts = append(sel.Artifacts, Artifact{Region: region, Path: path})
		logger.Debug("selected plaintext artifact", "region", region, "path", path)
	}

	if len(problems) > 0 {
		return nil, &SelectionError{Problems: problems}
	}
	return sel, nil
}
