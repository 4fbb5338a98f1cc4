// Package resources fetches versioned bundles over HTTP, verifies them and
// extracts them into the local resource directory. Completed bundles leave a
// checksum marker behind so repeat fetches are no-ops.
package resources

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Archive formats a bundle may use
const (
	FormatTarGz = "tar.gz"
	FormatTarXz = "tar.xz"
	FormatNone  = "none" // a plain file, stored without extraction
)

// Bundle describes one downloadable resource in the manifest
type Bundle struct {
	Name              string `json:"name"`
	URL               string `json:"url"`
	ExpectedSizeBytes int64  `json:"expectedSizeBytes"`
	ArchiveFormat     string `json:"archiveFormat"`
	SHA256            string `json:"sha256"`
	ExtractedSHA256   string `json:"extractedSha256,omitempty"`
}

// Validate checks a bundle entry for the fields the pipeline depends on
func (b *Bundle) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("bundle has no name")
	}
	if strings.ContainsAny(b.Name, `/\`) {
		return fmt.Errorf("bundle name %q must not contain path separators", b.Name)
	}
	if b.URL == "" {
		return fmt.Errorf("bundle %s has no url", b.Name)
	}
	switch b.ArchiveFormat {
	case FormatTarGz, FormatTarXz, FormatNone:
	default:
		return fmt.Errorf("bundle %s has unsupported archive format %q", b.Name, b.ArchiveFormat)
	}
	return nil
}

// Manifest is the full set of bundles this client should hold locally
type Manifest struct {
	Bundles []Bundle `json:"bundles"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	seen := make(map[string]bool)
	for i := range m.Bundles {
		if err := m.Bundles[i].Validate(); err != nil {
			return nil, err
		}
		if seen[m.Bundles[i].Name] {
			return nil, fmt.Errorf("duplicate bundle name %q", m.Bundles[i].Name)
		}
		seen[m.Bundles[i].Name] = true
	}

	return &m, nil
}
