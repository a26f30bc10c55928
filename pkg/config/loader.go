package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads a local .env file if present, the same way the teacher
// repo's cmd/tarsy/main.go does via godotenv before reading any OS env var.
// A missing file is not an error — production deployments set real env vars.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

var validate = validator.New()

// pluginFile is the on-disk shape of one plugins/*.yaml declaration file.
// PluginRegistry discovery (spec §4.1) enumerates every file matching this
// shape under a well-known directory.
type pluginFile struct {
	Plugins []Plugin `yaml:"plugins"`
	Groups  []Group  `yaml:"groups"`
}

// DiscoverPlugins enumerates every *.yaml file directly under dir, parses
// and validates it, and returns the combined plugin and group declarations
// in a stable (file name, then declaration order) order.
func DiscoverPlugins(dir string) ([]Plugin, []Group, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("discovering plugins in %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var plugins []Plugin
	var groups []Group
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}

		var file pluginFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, nil, &ConfigError{Plugin: name, Err: fmt.Errorf("%w: parsing yaml: %s", ErrInvalidDeclaration, err)}
		}
		for _, p := range file.Plugins {
			if err := validate.Struct(p); err != nil {
				return nil, nil, &ConfigError{Plugin: p.Name, Err: fmt.Errorf("%w: %s", ErrInvalidDeclaration, err)}
			}
			plugins = append(plugins, p)
		}
		for _, g := range file.Groups {
			if err := validate.Struct(g); err != nil {
				return nil, nil, &ConfigError{Plugin: g.Name, Err: fmt.Errorf("%w: %s", ErrInvalidDeclaration, err)}
			}
			groups = append(groups, g)
		}
	}

	return plugins, groups, nil
}
