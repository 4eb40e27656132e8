// Package profile defines the Materializer capability the job queue and
// worker agent consume to turn a named encode profile into an argv and an
// output-path derivation rule, plus a YAML-backed Registry implementing it.
//
// The interface/stub split mirrors the redfish.Client pattern: callers
// depend on the interface, and Registry is the one production
// implementation, loaded once at startup from a profile definitions file.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when a profile_id has no registered definition.
var ErrUnknownProfile = errors.New("profile: unknown profile_id")

// EnqueueRules controls how the job store's enqueue walk treats candidate
// files for a given profile.
type EnqueueRules struct {
	OutputSubdir      string
	OutputPattern     string
	FilterPrefix      string
	MirrorFirstSubdir bool
	IgnoreProxySuffix bool
}

// Materializer is the external capability the core consumes: building an
// encoder argv for a job, and the enqueue-time rules for a profile.
type Materializer interface {
	Materialize(ctx context.Context, profileID, input, output string) ([]string, error)
	EnqueueRules(profileID string) (EnqueueRules, error)
}

// def is one profile's on-disk definition.
type def struct {
	ArgvTemplate      []string `yaml:"argv_template"`
	OutputSubdir      string   `yaml:"output_subdir"`
	OutputPattern     string   `yaml:"output_pattern"`
	FilterPrefix      string   `yaml:"filter_prefix"`
	MirrorFirstSubdir bool     `yaml:"mirror_first_subdir"`
	IgnoreProxySuffix bool     `yaml:"ignore_proxy_suffix"`
}

type file struct {
	Profiles map[string]def `yaml:"profiles"`
}

// Registry is a Materializer backed by a static set of profile definitions,
// normally loaded from YAML at startup.
type Registry struct {
	profiles map[string]def
}

// NewRegistry constructs a Registry directly from a profile-id -> def map.
// Exposed for tests; production code will normally use LoadRegistry.
func NewRegistry(profiles map[string]def) *Registry {
	return &Registry{profiles: profiles}
}

// LoadRegistry reads and parses a profile definitions YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return &Registry{profiles: f.Profiles}, nil
}

var _ Materializer = (*Registry)(nil)

// Materialize expands a profile's argv template, substituting {input} and
// {output} placeholders.
func (r *Registry) Materialize(ctx context.Context, profileID, input, output string) ([]string, error) {
	d, ok := r.profiles[profileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	argv := make([]string, len(d.ArgvTemplate))
	for i, tok := range d.ArgvTemplate {
		tok = strings.ReplaceAll(tok, "{input}", input)
		tok = strings.ReplaceAll(tok, "{output}", output)
		argv[i] = tok
	}
	return argv, nil
}

// EnqueueRules returns the enqueue-time rules for a profile.
func (r *Registry) EnqueueRules(profileID string) (EnqueueRules, error) {
	d, ok := r.profiles[profileID]
	if !ok {
		return EnqueueRules{}, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	return EnqueueRules{
		OutputSubdir:      d.OutputSubdir,
		OutputPattern:     d.OutputPattern,
		FilterPrefix:      d.FilterPrefix,
		MirrorFirstSubdir: d.MirrorFirstSubdir,
		IgnoreProxySuffix: d.IgnoreProxySuffix,
	}, nil
}

// KnownOutputSubdirs returns every profile's output_subdir, used by the
// enqueue walk to skip directories that hold previously produced output.
func (r *Registry) KnownOutputSubdirs() []string {
	out := make([]string, 0, len(r.profiles))
	for _, d := range r.profiles {
		if d.OutputSubdir != "" {
			out = append(out, d.OutputSubdir)
		}
	}
	return out
}
