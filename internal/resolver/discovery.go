package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edgenode/pkg/plugin"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ManifestSuffix is the fixed naming convention for plugin manifests:
// "<snake(signature)>.plugin.yaml" under "<root>/<category>/".
const ManifestSuffix = ".plugin.yaml"

// Root is one plugin search location. Trusted roots skip the safety scan;
// they are always walked before untrusted ones.
type Root struct {
	Path    string
	Trusted bool
}

// Candidate is a manifest file located for a signature. Nothing has been
// read or validated yet.
type Candidate struct {
	Signature plugin.Signature
	Path      string
	Trusted   bool
}

// Discoverer enumerates plugin manifest candidates. It is the injected
// filesystem primitive of the resolver: the production implementation
// walks configured directories, tests substitute fakes.
type Discoverer interface {
	// Discover returns the first candidate for the signature in search
	// order, or nil when no root holds one.
	Discover(category plugin.Category, sig plugin.Signature) (*Candidate, error)

	// Read returns the raw manifest bytes for a candidate.
	Read(cand *Candidate) ([]byte, error)
}

// Manifest is the YAML descriptor of an externally deployed plugin. It
// binds a signature to a registered base kind and overlays default
// configuration on top of the base's.
type Manifest struct {
	Signature   string         `yaml:"signature"`
	Category    string         `yaml:"category"`
	Base        string         `yaml:"base"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Defaults    map[string]any `yaml:"defaults"`
}

// ParseManifest decodes and minimally checks a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Signature) == "" {
		return nil, fmt.Errorf("manifest missing signature")
	}
	if !plugin.Category(m.Category).Valid() {
		return nil, fmt.Errorf("manifest has unknown category %q", m.Category)
	}
	return &m, nil
}

// FilesystemDiscovery locates manifests under an ordered list of roots.
type FilesystemDiscovery struct {
	roots  []Root
	logger *zap.Logger
}

// NewFilesystemDiscovery builds a discoverer over the given trusted and
// untrusted root directories. Trusted roots keep their configured order and
// precede all untrusted ones.
func NewFilesystemDiscovery(trusted, untrusted []string, logger *zap.Logger) *FilesystemDiscovery {
	d := &FilesystemDiscovery{logger: logger.Named("discovery")}
	for _, p := range trusted {
		d.roots = append(d.roots, Root{Path: expandPath(p), Trusted: true})
	}
	for _, p := range untrusted {
		d.roots = append(d.roots, Root{Path: expandPath(p), Trusted: false})
	}
	return d
}

// Roots returns the search locations in walk order.
func (d *FilesystemDiscovery) Roots() []Root {
	out := make([]Root, len(d.roots))
	copy(out, d.roots)
	return out
}

// Discover walks the roots in order and returns the first manifest whose
// file name matches the signature's naming convention. Unreadable roots are
// skipped, not fatal: one bad directory must not break discovery for the
// ones after it.
func (d *FilesystemDiscovery) Discover(category plugin.Category, sig plugin.Signature) (*Candidate, error) {
	name := plugin.SnakeName(sig) + ManifestSuffix

	for _, root := range d.roots {
		path := filepath.Join(root.Path, string(category), name)
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				d.logger.Debug("Skipping unreadable root",
					zap.String("path", path),
					zap.Error(err))
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		d.logger.Debug("Found plugin manifest",
			zap.String("signature", string(sig)),
			zap.String("path", path),
			zap.Bool("trusted", root.Trusted))
		return &Candidate{Signature: sig, Path: path, Trusted: root.Trusted}, nil
	}
	return nil, nil
}

// Read returns the manifest bytes for a previously discovered candidate.
func (d *FilesystemDiscovery) Read(cand *Candidate) ([]byte, error) {
	data, err := os.ReadFile(cand.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", cand.Path, err)
	}
	return data, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
