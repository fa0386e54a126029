package profile

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Registry maps game ids to their profiles.
type Registry struct {
	profiles map[string]Profile
}

// fileConfig is the layout of a profiles YAML file.
type fileConfig struct {
	Games map[string]Profile `yaml:"games"`
}

// NewRegistry builds a registry from the given profiles, validating each one.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := r.Put(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Put validates p and stores it, replacing any profile with the same id.
func (r *Registry) Put(p Profile) error {
	// Validate resolves axis sources in place; copy the slice so callers'
	// values are left alone.
	p.Axes = append([]Axis(nil), p.Axes...)
	if err := p.Validate(); err != nil {
		return err
	}
	r.profiles[p.ID] = p
	return nil
}

// Get returns the profile for a game id.
func (r *Registry) Get(gameID string) (Profile, error) {
	p, ok := r.profiles[gameID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownGame, gameID)
	}
	return p, nil
}

// IDs lists the registered game ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load returns the built-in registry overlaid with the profiles in the YAML
// file at path. An empty path returns the built-ins alone.
func Load(path string) (*Registry, error) {
	r, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	if err := r.merge(data); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) merge(data []byte) error {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	for id, p := range cfg.Games {
		if p.ID == "" {
			p.ID = id
		}
		if p.ID != id {
			return fmt.Errorf("%w: key %q holds profile id %q", ErrInvalidProfile, id, p.ID)
		}
		if err := r.Put(p); err != nil {
			return err
		}
	}
	return nil
}
