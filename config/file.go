package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// nestedFile is the nested on-disk layout: parameters live under a
// droplet_detection key and an optional modules section records
// feature-enablement flags.
type nestedFile struct {
	Modules          map[string]bool        `json:"modules,omitempty"`
	DropletDetection map[string]interface{} `json:"droplet_detection"`
}

// Load reads a configuration profile from a JSON file. Both the flat
// layout (a plain option map) and the nested layout (options under a
// droplet_detection key) are accepted; the layout is detected from the
// file contents. Unknown or missing sections fall back to defaults.
// Validation problems are logged but do not fail the load.
func Load(path string, log zerolog.Logger) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %s", path)
	}

	var top map[string]interface{}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration file %s", path)
	}

	options, err := extractOptions(top, log)
	if err != nil {
		return nil, errors.Wrapf(err, "configuration file %s", path)
	}

	cfg := Default()
	if err := cfg.Update(options, log); err != nil {
		return nil, errors.Wrapf(err, "configuration file %s", path)
	}
	if ok, problems := cfg.Validate(); !ok {
		log.Warn().Strs("problems", problems).Str("path", path).Msg("loaded configuration has validation problems")
	}
	return cfg, nil
}

// extractOptions resolves the on-disk layout. Nested layouts win over
// flat ones; a mapping with neither a droplet_detection section nor any
// recognized option yields defaults.
func extractOptions(top map[string]interface{}, log zerolog.Logger) (map[string]interface{}, error) {
	if section, ok := top["droplet_detection"]; ok {
		options, ok := section.(map[string]interface{})
		if !ok {
			return nil, errors.New("droplet_detection section must be a mapping")
		}
		return options, nil
	}

	for key := range top {
		if IsKnownKey(key) {
			return top, nil
		}
	}

	log.Warn().Msg("no droplet_detection section and no recognized options, using defaults")
	return map[string]interface{}{}, nil
}

// Save writes the configuration to a JSON file. With nested set, the
// options are placed under a droplet_detection key; includeModules
// additionally records the droplet_analysis enablement flag. Parent
// directories are created as needed. Validation problems are logged
// but do not block the save.
func Save(cfg *Config, path string, nested, includeModules bool, log zerolog.Logger) error {
	if ok, problems := cfg.Validate(); !ok {
		log.Warn().Strs("problems", problems).Str("path", path).Msg("saving configuration with validation problems")
	}

	var payload interface{} = cfg
	if nested {
		options, err := cfg.ToMap()
		if err != nil {
			return err
		}
		file := nestedFile{DropletDetection: options}
		if includeModules {
			file.Modules = map[string]bool{"droplet_analysis": true}
		}
		payload = file
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", path)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing configuration file %s", path)
	}
	return nil
}
