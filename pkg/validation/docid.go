// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that end up
// in database keys or URLs. Using these validators prevents key-scheme
// injection: a document ID containing the key separator could alias another
// document's update log.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// docIDPattern matches valid document identifiers.
// Allows: letters, digits, dots, underscores, hyphens.
// Max length: 128 characters.
var docIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,127}$`)

// ValidateDocID validates a document identifier.
//
// Valid document IDs:
//   - 1-128 characters
//   - Letters a-z, A-Z and digits 0-9
//   - Dots (.), underscores (_) and hyphens (-) after the first character
//
// The colon is never allowed: it is the key separator in the update log
// key scheme.
//
// Example:
//
//	if err := validation.ValidateDocID(docID); err != nil {
//	    return nil, fmt.Errorf("invalid document id: %w", err)
//	}
//	// Safe to use in a storage key
func ValidateDocID(docID string) error {
	if docID == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	if !docIDPattern.MatchString(docID) {
		return fmt.Errorf("invalid document id: %q (must be 1-128 alphanumeric chars, dots, underscores, or hyphens)", docID)
	}

	return nil
}

// SanitizeDocID normalizes and validates a document identifier.
// Returns the trimmed ID if valid, or an error if invalid.
func SanitizeDocID(docID string) (string, error) {
	normalized := strings.TrimSpace(docID)
	if err := ValidateDocID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
