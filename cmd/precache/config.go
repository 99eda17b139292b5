package main

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Name of the cache bucket. Change it to start from an empty bucket.
	Bucket string `yaml:"bucket"`
	// Origin to fetch the manifest from and forward cache misses to.
	Origin string `yaml:"origin"`
	// Resources needed for offline use.
	Manifest []string `yaml:"manifest"`
	// Maximum concurrent fetches during install.
	Concurrency int `yaml:"concurrency"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("could not parse %s: %w", filename, err)
	}
	return config, config.validate()
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("config: bucket is required")
	}
	if len(c.Manifest) == 0 {
		return fmt.Errorf("config: manifest needs at least one entry")
	}
	u, err := c.originURL()
	if err != nil {
		return fmt.Errorf("config: invalid origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: origin must be an absolute URL, got '%s'", c.Origin)
	}
	return nil
}

func (c Config) originURL() (*url.URL, error) {
	return url.Parse(c.Origin)
}
