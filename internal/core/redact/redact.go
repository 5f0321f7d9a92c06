// Package redact masks credential material before it reaches the audit log.
// This is part of the Functional Core - all functions are pure.
package redact

import "strings"

// Mask placed over redacted values.
const Redacted = "[REDACTED]"

// identifierPrefixLen is how many leading characters of an identifier-valued
// field survive partial masking.
const identifierPrefixLen = 8

// secretKeywords mark fields whose value must be fully masked.
var secretKeywords = []string{"token", "secret", "password", "passwd", "key", "credential"}

// identifierKeywords mark fields that are identifying but not secret:
// a prefix is kept so operators can still correlate them.
var identifierKeywords = []string{"account", "zone", "tenant"}

// =============================================================================
// Field Classification
// =============================================================================

// IsSecretField reports whether a field name holds secret material.
func IsSecretField(name string) bool {
	return containsAny(name, secretKeywords)
}

// IsIdentifierField reports whether a field name holds a maskable identifier.
func IsIdentifierField(name string) bool {
	return containsAny(name, identifierKeywords)
}

func containsAny(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// =============================================================================
// Masking
// =============================================================================

// MaskValue applies the masking rule for a field name to a value:
// secret-valued fields are fully masked, identifier-valued fields keep their
// first characters, everything else passes through unchanged.
func MaskValue(field, value string) string {
	if value == "" {
		return value
	}
	if IsSecretField(field) {
		return Redacted
	}
	if IsIdentifierField(field) {
		return partialMask(value)
	}
	return value
}

// MaskDetail returns a masked copy of an audit detail map. The input map is
// never modified.
func MaskDetail(detail map[string]string) map[string]string {
	if detail == nil {
		return nil
	}
	masked := make(map[string]string, len(detail))
	for k, v := range detail {
		masked[k] = MaskValue(k, v)
	}
	return masked
}

func partialMask(value string) string {
	if len(value) <= identifierPrefixLen {
		return Redacted
	}
	return value[:identifierPrefixLen] + Redacted
}
