package destination

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mixvpn"
)

const cacheFileName = "destinations.json"

// SaveCache persists the current destination table under dir as a
// last-known-good copy that LoadCache reads back without parsing the config
// file. mixd only writes it; at startup it loads the config file. Grounded on
// machine/network_config_state.go's SaveNetworkConfig.
func (s *Store) SaveCache(dir string) error {
	data, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal destination cache: %w", err)
	}

	path := filepath.Join(dir, cacheFileName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create destination cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write destination cache: %w", err)
	}
	return nil
}

// LoadCache reads the last-known-good destination table saved by SaveCache.
// A missing file is not an error: it reports an empty table so a first boot
// falls through to the config file's own initial load.
func LoadCache(dir string) ([]mixvpn.Destination, error) {
	data, err := os.ReadFile(filepath.Join(dir, cacheFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read destination cache: %w", err)
	}

	var dests []mixvpn.Destination
	if err := json.Unmarshal(data, &dests); err != nil {
		return nil, fmt.Errorf("parse destination cache: %w", err)
	}
	return dests, nil
}
