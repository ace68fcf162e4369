// Package manifest parses the YAML file declaring each pool's tag
// filter and per-member memory class.
package manifest

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolSpec is one pool entry in the manifest.
type PoolSpec struct {
	Name      string            `yaml:"name"`
	Tags      map[string]string `yaml:"tags,omitempty"`
	MemoryMiB int64             `yaml:"memoryMiB"`
}

// Manifest is the full set of pools a conductor process should manage.
type Manifest struct {
	Pools []PoolSpec
}

// Load reads and parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses manifest YAML from r. The file may contain either a
// single pool document or multiple documents, one per pool.
func Parse(r io.Reader) (*Manifest, error) {
	decoder := yaml.NewDecoder(r)
	var pools []PoolSpec

	for {
		var p PoolSpec
		err := decoder.Decode(&p)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest yaml: %w", err)
		}
		if p.Name == "" {
			continue // skip empty documents
		}
		pools = append(pools, p)
	}

	if len(pools) == 0 {
		return nil, fmt.Errorf("manifest: no pools found")
	}

	m := &Manifest{Pools: pools}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that pool names are unique, non-empty, and that
// every pool has a positive memory class.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Pools))
	for _, p := range m.Pools {
		if p.Name == "" {
			return fmt.Errorf("manifest: pool with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("manifest: duplicate pool name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MemoryMiB <= 0 {
			return fmt.Errorf("manifest: pool %q has non-positive memoryMiB %d", p.Name, p.MemoryMiB)
		}
	}
	return nil
}
