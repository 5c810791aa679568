package secrets

import "os"

// FromEnv returns a Source that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func FromEnv(keys ...string) Source {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// Static returns a Source backed by a fixed map. Used for defaults loaded
// from the config file and in tests.
func Static(vals map[string]string) Source {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// Layered combines sources so later sources override earlier ones. A config
// file can seed tokens while the environment wins on reload.
func Layered(sources ...Source) Source {
	return func() (map[string]string, error) {
		merged := map[string]string{}
		for _, src := range sources {
			vals, err := src()
			if err != nil {
				return nil, err
			}
			for k, v := range vals {
				merged[k] = v
			}
		}
		return merged, nil
	}
}
