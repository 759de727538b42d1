package config

import (
	"encoding/json"
	"fmt"
	"os"

	relay "github.com/eugener/shadowfax/internal"
)

// keysFile is the on-disk keys document: raw "<id>.<secret>" strings plus
// the upstream origin.
type keysFile struct {
	Keys    []string `json:"keys"`
	BaseURL string   `json:"baseUrl"`
}

// LoadKeys reads and parses the JSON keys file. Malformed entries are
// rejected rather than skipped: a typo in a key should fail loud.
func LoadKeys(path string) ([]relay.KeySpec, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read keys file: %w", err)
	}

	var f keysFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parse keys file: %w", err)
	}
	if len(f.Keys) == 0 {
		return nil, "", fmt.Errorf("keys file %s holds no keys", path)
	}

	specs := make([]relay.KeySpec, 0, len(f.Keys))
	seen := make(map[string]struct{}, len(f.Keys))
	for i, raw := range f.Keys {
		spec, ok := relay.ParseKeySpec(raw)
		if !ok {
			return nil, "", fmt.Errorf("keys file entry %d: want \"<id>.<secret>\" form", i)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, "", fmt.Errorf("keys file entry %d: duplicate key id %q", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, f.BaseURL, nil
}
