package kiosk

import "regexp"

// Whitelist is the set of host patterns the extension is active on.
type Whitelist []*regexp.Regexp

// DefaultWhitelist returns the fixed host patterns: the production domain,
// the QA kiosk subdomains, the production kiosk host and localhost.
func DefaultWhitelist() Whitelist {
	return Whitelist{
		regexp.MustCompile(`(?i)myinfo\.gov`),
		regexp.MustCompile(`(?i)kiosk.*qa\.spdigital\.sg`),
		regexp.MustCompile(`(?i)^kiosk\.spdigital\.sg$`),
		regexp.MustCompile(`(?i)^localhost(:\d+)?$`),
	}
}

// Allows reports whether host (a location.host value, port included) matches
// any pattern.
func (w Whitelist) Allows(host string) bool {
	for _, p := range w {
		if p.MatchString(host) {
			return true
		}
	}
	return false
}
