// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that end up in storage keys,
// vector filters and outbound URLs.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds user supplied identifiers.
const MaxIDLength = 128

var (
	tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

	// IDs become Badger key segments separated by "/".
	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@\-]*$`)
)

// ValidateTicker accepts 1-10 upper-case alphanumerics, dots or hyphens,
// starting with an alphanumeric (AAPL, BRK.B, 005930).
func ValidateTicker(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("ticker cannot be empty")
	}
	if !tickerPattern.MatchString(ticker) {
		return fmt.Errorf("invalid ticker %q: want 1-10 upper-case letters, digits, dots or hyphens", ticker)
	}
	return nil
}

// SanitizeTicker trims and upper-cases ticker, then validates it.
func SanitizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if err := ValidateTicker(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateID accepts identifiers made of letters, digits and "_.:@-" that
// start with a letter or digit.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("id cannot be empty")
	case len(id) > MaxIDLength:
		return fmt.Errorf("id longer than %d bytes", MaxIDLength)
	case !idPattern.MatchString(id):
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
