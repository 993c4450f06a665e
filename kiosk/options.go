package kiosk

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spdigital/kiosk-zoom/env"
)

// Defaults used when neither the options file nor the environment set a value.
const (
	DefaultHost       = "http://localhost:8080"
	DefaultKioskName  = "VA Kiosk"
	DefaultNature     = "OA_RES"
	DefaultStoreFile  = "kiosk-zoom.db"
	DefaultLogLevel   = "info"
	DefaultBridgeAddr = "127.0.0.1:9230"
)

// Options stores the process options of the extension contexts.
type Options struct {
	DefaultHost       string `yaml:"host"`
	KioskName         string `yaml:"kioskName"`
	Nature            string `yaml:"nature"`
	StorePath         string `yaml:"store"`
	LogLevel          string `yaml:"logLevel"`
	LogCategoryFilter string `yaml:"logCategoryFilter"`
	BridgeAddr        string `yaml:"bridgeAddr"`
	TracesEndpoint    string `yaml:"tracesEndpoint"`

	// Kiosk is an optional pre-provisioned kiosk config. It is only used to
	// seed the store when no config has been received yet.
	Kiosk Config `yaml:"kiosk"`
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		DefaultHost: DefaultHost,
		KioskName:   DefaultKioskName,
		Nature:      DefaultNature,
		StorePath:   DefaultStoreFile,
		LogLevel:    DefaultLogLevel,
		BridgeAddr:  DefaultBridgeAddr,
	}
}

// Parse fills the options from the YAML file named by the config file
// variable, if any, and then from the environment. Environment values win.
func (o *Options) Parse(lookup env.LookupFunc) error {
	if path, ok := lookup(env.ConfigFile); ok && path != "" {
		if err := o.ParseFile(path); err != nil {
			return err
		}
	}

	for key, field := range map[string]*string{
		env.KioskHost:         &o.DefaultHost,
		env.KioskName:         &o.KioskName,
		env.Nature:            &o.Nature,
		env.StorePath:         &o.StorePath,
		env.LogLevel:          &o.LogLevel,
		env.LogCategoryFilter: &o.LogCategoryFilter,
		env.BridgeAddr:        &o.BridgeAddr,
		env.TracesEndpoint:    &o.TracesEndpoint,
	} {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	return o.Validate()
}

// ParseFile overlays the options with the content of a YAML file.
func (o *Options) ParseFile(path string) error {
	bb, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("reading options file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(bb, o); err != nil {
		return fmt.Errorf("parsing options file %q: %w", path, err)
	}
	return nil
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Nature == "" {
		return errors.New("transaction nature must not be empty")
	}
	if err := validateHost(o.DefaultHost); err != nil {
		return fmt.Errorf("validating host option: %w", err)
	}
	if o.Kiosk.Host != "" {
		if err := validateHost(o.Kiosk.Host); err != nil {
			return fmt.Errorf("validating kiosk host option: %w", err)
		}
	}
	return nil
}

func validateHost(h string) error {
	u, err := url.Parse(h)
	if err != nil {
		return fmt.Errorf("invalid host %q: %w", h, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf(`invalid host %q: scheme must be "http" or "https"`, h)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid host %q: missing host name", h)
	}
	return nil
}
