// Package session holds session-behavior profiles and the AE liveness
// registry. A profile is an opaque name resolving to token lifetime and
// idle limits; unknown profiles are an error, never a silent default.
package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultProfileName is assigned when an AE declares no profile.
const DefaultProfileName = "default"

// Profile describes session behavior for one class of AE.
type Profile struct {
	Name       string
	SessionTTL time.Duration
	MaxIdle    time.Duration
}

// Profiles resolves profile names.
type Profiles struct {
	byName map[string]Profile
}

// profileDoc is the YAML shape, durations in seconds.
type profileDoc struct {
	Profiles map[string]struct {
		SessionLifetimeSec int `yaml:"session_lifetime_sec"`
		MaxIdleSec         int `yaml:"max_idle_sec"`
	} `yaml:"profiles"`
}

// DefaultProfiles returns the built-in set: interactive AEs get short
// grants, long-running daemons get day-scale ones.
func DefaultProfiles() *Profiles {
	return &Profiles{byName: map[string]Profile{
		DefaultProfileName: {Name: DefaultProfileName, SessionTTL: 15 * time.Minute, MaxIdle: 10 * time.Minute},
		"backend_daemon":   {Name: "backend_daemon", SessionTTL: 24 * time.Hour, MaxIdle: time.Hour},
	}}
}

// LoadProfiles reads a YAML profile file and merges it over the built-in
// defaults. Entries in the file override same-named defaults.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read profiles %s: %w", path, err)
	}
	var doc profileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("session: parse profiles %s: %w", path, err)
	}

	p := DefaultProfiles()
	for name, spec := range doc.Profiles {
		if spec.SessionLifetimeSec <= 0 {
			return nil, fmt.Errorf("session: profile %q: session_lifetime_sec must be positive", name)
		}
		prof := Profile{
			Name:       name,
			SessionTTL: time.Duration(spec.SessionLifetimeSec) * time.Second,
			MaxIdle:    time.Duration(spec.MaxIdleSec) * time.Second,
		}
		if prof.MaxIdle <= 0 {
			prof.MaxIdle = prof.SessionTTL
		}
		p.byName[name] = prof
	}
	return p, nil
}

// Resolve returns the named profile. An empty name maps to the default
// profile; an unknown name is an error.
func (p *Profiles) Resolve(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	prof, ok := p.byName[name]
	if !ok {
		return Profile{}, fmt.Errorf("session: unknown profile %q", name)
	}
	return prof, nil
}
