package inspect

import (
	"fmt"
	"strings"
)

const (
	redacted     = "[REDACTED]"
	minMaskedLen = 12
)

// MaskKey keeps the first and last four characters of a credential. Keys too
// short to keep anything hidden are redacted entirely.
func MaskKey(key string) string {
	if len(key) < minMaskedLen {
		return redacted
	}
	return key[:4] + strings.Repeat("*", 6) + key[len(key)-4:]
}

var regions = map[string]string{
	"us":  "https://us.api.inspect.aidefense.security.cisco.com/",
	"eu":  "https://eu.api.inspect.aidefense.security.cisco.com/",
	"ap":  "https://ap.api.inspect.aidefense.security.cisco.com/",
	"uae": "https://uae.api.inspect.aidefense.security.cisco.com/",
}

// RegionServer returns the inspection server for a region code.
func RegionServer(region string) (string, error) {
	if s, ok := regions[strings.ToLower(strings.TrimSpace(region))]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown AI Defense region %q (want us, eu, ap or uae)", region)
}
