// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request and response bodies of the
// portfolio HTTP API. Requests carry `validate` tags checked by a shared
// go-playground validator extended with the custom rules registered in init.
package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianPortfolio/pkg/validation"
)

// MaxQueryBytes bounds question and query text.
const MaxQueryBytes = 8 << 10

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("ticker", validateTicker)
	_ = validate.RegisterValidation("safeid", validateSafeID)
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateTicker accepts any casing; handlers upper-case before use.
func validateTicker(fl validator.FieldLevel) bool {
	_, err := validation.SanitizeTicker(fl.Field().String())
	return err == nil
}

func validateSafeID(fl validator.FieldLevel) bool {
	return validation.ValidateID(fl.Field().String()) == nil
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// Validate checks v against its validate tags and reports the failing
// fields in one message.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(msgs, "; "))
}
