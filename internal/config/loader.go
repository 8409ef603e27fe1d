package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: built-in defaults, overlaid by
// each existing path in order. A missing file is skipped; a malformed file
// fails the whole load.
func Load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, p := range paths {
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := decodeStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadPolicy reads the layered policy: the default document, then an
// optional override that replaces whole sections (a non-empty list in the
// override wins over the default list).
func LoadPolicy(defaultPath, overridePath string) (*Policy, error) {
	p, err := readPolicy(defaultPath, true)
	if err != nil {
		return nil, err
	}
	if overridePath != "" {
		o, err := readPolicy(overridePath, false)
		if err != nil {
			return nil, err
		}
		if o != nil {
			if len(o.DeniedInvocations) > 0 {
				p.DeniedInvocations = o.DeniedInvocations
			}
			if len(o.AllowedDomains) > 0 {
				p.AllowedDomains = o.AllowedDomains
			}
			if o.Limits != (ResourceLimits{}) {
				p.Limits = o.Limits
			}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return p, nil
}

func readPolicy(path string, required bool) (*Policy, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := decodeStrict(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return &p, nil
}

func decodeStrict(b []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(v)
}
