// Package util provides utility functions for the FlowPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateWorkflowID generates a unique workflow version ID with "wf_" prefix.
func GenerateWorkflowID() string {
	return GenerateRandomID("wf_", 32)
}

// GenerateSessionID generates a unique conversation session ID with "s_" prefix.
func GenerateSessionID() string {
	return GenerateRandomID("s_", 32)
}

// GenerateContactID generates a unique CRM contact ID with "c_" prefix.
func GenerateContactID() string {
	return GenerateRandomID("c_", 32)
}

// GenerateLeadID generates a unique CRM lead ID with "l_" prefix.
func GenerateLeadID() string {
	return GenerateRandomID("l_", 32)
}
