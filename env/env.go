// Package env provides types to interact with environment setup.
package env

import "os"

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup looks up a key from the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// ConstLookup is a LookupFunc that returns the given value for the given key.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup is a LookupFunc backed by a map.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

const (
	// ConfigFile is the path of an optional YAML options file.
	ConfigFile = "KIOSK_ZOOM_CONFIG"

	// KioskHost is the base URL of the session service used when no
	// kiosk config has been received yet.
	KioskHost = "KIOSK_ZOOM_HOST"

	// KioskName is the kiosk display name used when the kiosk config has none.
	KioskName = "KIOSK_ZOOM_KIOSK_NAME"

	// Nature is the transaction nature sent when joining a meeting.
	Nature = "KIOSK_ZOOM_NATURE"

	// StorePath is the SQLite file that keeps the persisted state.
	StorePath = "KIOSK_ZOOM_STORE"

	// LogLevel is the log level name.
	LogLevel = "KIOSK_ZOOM_LOG_LEVEL"

	// LogCategoryFilter is a regexp to filter log categories.
	LogCategoryFilter = "KIOSK_ZOOM_LOG_CATEGORY_FILTER"

	// BridgeAddr is the listen address of the worker websocket bridge.
	BridgeAddr = "KIOSK_ZOOM_BRIDGE_ADDR"

	// TracesEndpoint is the OTLP HTTP endpoint traces are exported to.
	// Tracing is disabled when it is empty.
	TracesEndpoint = "KIOSK_ZOOM_TRACES_ENDPOINT"
)
