// Package config implements the scoped configuration object of spec.md §3
// and §9: a key→value mapping plus a used-key set, passed explicitly to
// each transition handler rather than held in a global.
package config

import "sort"

// Config tracks configuration variables and which of them have been
// requested, grounded on the Python original's Configuration class
// (constellation/core/configuration.py).
type Config struct {
	values    map[string]any
	requested map[string]struct{}
}

// New wraps values in a Config with an empty used-key set.
func New(values map[string]any) *Config {
	if values == nil {
		values = map[string]any{}
	}
	return &Config{values: values, requested: map[string]struct{}{}}
}

// Get returns the value for key, marking it as requested, and whether it
// was present.
func (c *Config) Get(key string) (any, bool) {
	c.requested[key] = struct{}{}
	v, ok := c.values[key]
	return v, ok
}

// GetDefault returns the value for key if present, or def otherwise,
// marking key as requested either way.
func (c *Config) GetDefault(key string, def any) any {
	c.requested[key] = struct{}{}
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// GetString returns the value for key as a string, marking key as used
// regardless of type. ok is false when key is absent or its value is not a
// string.
func (c *Config) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Keys returns every configured key, in the order used for diffing against
// requested keys (sorted, for determinism).
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnusedKeys returns the keys present in the configuration that were never
// requested via Get/GetDefault — the "unused configuration" surfaced at the
// end of `initializing` (spec.md §3, §8 invariant 7).
func (c *Config) UnusedKeys() []string {
	var unused []string
	for _, k := range c.Keys() {
		if _, used := c.requested[k]; !used {
			unused = append(unused, k)
		}
	}
	return unused
}

// Applied returns a copy of every configuration item that has been
// requested so far.
func (c *Config) Applied() map[string]any {
	out := make(map[string]any, len(c.requested))
	for k := range c.requested {
		out[k] = c.values[k]
	}
	return out
}

// Update merges new values into the configuration and un-marks any key it
// touches as no-longer-requested, so that stale "used" status doesn't
// survive a reconfigure.
func (c *Config) Update(values map[string]any) {
	for k, v := range values {
		c.values[k] = v
		delete(c.requested, k)
	}
}

// Flatten narrows a nested `constellation`/`satellites` configuration tree
// to the flat map a single satellite of class/name consumes, following the
// precedence (global < class < instance) of the Python original's
// flatten_config (constellation/core/configuration.py). Keys are matched
// case-insensitively by lower-casing both the tree and the lookup path.
func Flatten(tree map[string]any, class, name string) map[string]any {
	lowered := lowercaseKeys(tree)
	class = lowerASCII(class)

	out := map[string]any{}
	for _, top := range []string{"constellation", "satellites"} {
		section, _ := lowered[top].(map[string]any)
		if section == nil {
			continue
		}
		mergeScalars(out, section)
		if classSection, ok := section[class].(map[string]any); ok {
			mergeScalars(out, classSection)
			if name != "" {
				if instSection, ok := classSection[lowerASCII(name)].(map[string]any); ok {
					mergeScalars(out, instSection)
				}
			}
		}
	}
	return out
}

func mergeScalars(dst, src map[string]any) {
	for k, v := range src {
		if _, isMap := v.(map[string]any); isMap {
			continue
		}
		dst[k] = v
	}
}

func lowercaseKeys(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := lowerASCII(k)
		if nested, ok := val.(map[string]any); ok {
			out[key] = lowercaseKeys(nested)
		} else {
			out[key] = val
		}
	}
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
