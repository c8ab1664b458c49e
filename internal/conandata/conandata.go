// Package conandata parses conandata.yml manifests.
//
// A conandata.yml declares, per package version, where the upstream source
// archive lives:
//
//	sources:
//	  "1.2.13":
//	    url: "https://zlib.net/zlib-1.2.13.tar.gz"
//	    sha256: "..."
//
// The url value may be a plain string, a list of mirrors, or a map keyed by
// platform (os, then architecture), and the variants nest. See
// https://github.com/conan-io/hooks/pull/269 for the format history.
package conandata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ramibo/ws-conan-scanner/internal/conan"
)

// Manifest is a parsed conandata.yml. The version entries keep document
// order: URL extraction uses the first version listed, matching conan's own
// convention of putting the recipe's primary version first.
type Manifest struct {
	Path     string
	versions []versionEntry
}

type versionEntry struct {
	version string
	url     *yaml.Node
}

// Load reads and parses a conandata.yml file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Manifest, error) {
	var doc struct {
		Sources yaml.Node `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if doc.Sources.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s has no sources mapping", path)
	}

	m := &Manifest{Path: path}
	// Mapping nodes store alternating key/value children, in file order.
	for i := 0; i+1 < len(doc.Sources.Content); i += 2 {
		key, value := doc.Sources.Content[i], doc.Sources.Content[i+1]
		m.versions = append(m.versions, versionEntry{
			version: key.Value,
			url:     mappingValue(value, "url"),
		})
	}
	return m, nil
}

// ResolveURL extracts the upstream archive URL for the manifest's first
// version entry, disambiguating platform-keyed variants with the build
// profile. Precedence: the os_build-keyed variant, then the
// arch_build-keyed variant, then the last element of a mirror list.
// Returns false when the manifest has no resolvable URL.
func (m *Manifest) ResolveURL(profile conan.Profile) (string, bool) {
	for _, entry := range m.versions {
		if entry.url == nil {
			continue
		}
		return resolveNode(entry.url, profile)
	}
	return "", false
}

// resolveNode walks a url value down to a scalar.
func resolveNode(node *yaml.Node, profile conan.Profile) (string, bool) {
	if node.Kind == yaml.MappingNode {
		if v := mappingValue(node, profile.OSBuild()); v != nil {
			node = v
		}
	}
	if node.Kind == yaml.MappingNode {
		if v := mappingValue(node, profile.ArchBuild()); v != nil {
			node = v
		}
	}
	if node.Kind == yaml.SequenceNode {
		if len(node.Content) == 0 {
			return "", false
		}
		// Mirror lists put the preferred mirror last.
		node = node.Content[len(node.Content)-1]
	}
	if node.Kind == yaml.ScalarNode && node.Value != "" {
		return node.Value, true
	}
	return "", false
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode || key == "" {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
