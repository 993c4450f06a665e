// Package kiosk holds the kiosk level configuration shared by all contexts.
package kiosk

import "strings"

// Config is the kiosk configuration handed over by the hosting page through
// the enable-kiosk-zoom-extension message. It is what every component needs
// to reach the session service.
type Config struct {
	Host        string `json:"kioskHost,omitempty" yaml:"kioskHost"`
	Name        string `json:"kioskName,omitempty" yaml:"kioskName"`
	AccessToken string `json:"accessToken,omitempty" yaml:"accessToken"`
}

// IsZero reports whether no field of the config is set.
func (c Config) IsZero() bool {
	return c == Config{}
}

// HostOr returns the configured host without a trailing slash, or def when
// the config has no host.
func (c Config) HostOr(def string) string {
	h := c.Host
	if h == "" {
		h = def
	}
	return strings.TrimRight(h, "/")
}

// NameOr returns the configured kiosk name, or def when it is empty.
func (c Config) NameOr(def string) string {
	if c.Name == "" {
		return def
	}
	return c.Name
}
