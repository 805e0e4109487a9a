// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxResourceIDLength bounds a provider resource id.
const MaxResourceIDLength = 128

var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// ValidateResourceID validates a caller-supplied provider resource id such as
// a thread id or a file id.
//
// These ids are interpolated into upstream URL paths and Redis keys, so
// anything other than letters, digits, underscores and hyphens is rejected:
//
//	if err := validation.ValidateResourceID(req.FileID); err != nil {
//	    return datatypes.NewValidationError("invalid file id")
//	}
//	// Safe to use in /files/{id}
//
// Valid ids:
//   - 1-128 characters
//   - Letters A-Z, a-z and digits 0-9
//   - Underscores and hyphens after the first character
func ValidateResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("resource id cannot be empty")
	}
	if len(id) > MaxResourceIDLength {
		return fmt.Errorf("resource id is %d bytes, the limit is %d", len(id), MaxResourceIDLength)
	}
	if !resourceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid resource id format: %q", id)
	}
	return nil
}

// ValidateResourceIDs returns an error listing every invalid id.
func ValidateResourceIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateResourceID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid resource ids: %q", invalid)
	}
	return nil
}

// SanitizeResourceID trims surrounding whitespace and validates the result.
func SanitizeResourceID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateResourceID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
