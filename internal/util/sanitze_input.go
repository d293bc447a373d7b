package util

import "strings"

// maxIdentifierLength caps app ids accepted from query strings.
const maxIdentifierLength = 256

// ContainsSuspicious reports markup or template fragments that have no place
// in an application identifier.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, bad := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	return false
}

// ValidIdentifier is true for non-empty, bounded, non-suspicious identifiers.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= maxIdentifierLength && !ContainsSuspicious(s)
}
