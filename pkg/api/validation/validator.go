// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.

// Package validation checks API request bodies and configuration values
// using go-playground/validator with a few link-specific tags.
package validation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/picolink/picolink-core/pkg/transfer"
)

var (
	ErrMissingParams = errors.New("missing params")
	ErrInvalidParams = errors.New("invalid params")
)

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("usbid", validateUSBID)
	_ = v.RegisterValidation("listen", validateListen)
	_ = v.RegisterValidation("filename", validateFileName)
	_ = v.RegisterValidation("uploadpath", validateUploadPath)

	return &Validator{validate: v}
}

// DefaultValidator is shared by the API and the config loader.
var DefaultValidator = NewValidator()

// Validate validates a struct and returns an *Error listing every failed
// field.
func (v *Validator) Validate(params any) error {
	if err := v.validate.Struct(params); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewError(validationErrors)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateAndUnmarshal unmarshals a JSON body and validates it.
func ValidateAndUnmarshal[T any](body []byte, dest *T) error {
	if len(body) == 0 {
		return ErrMissingParams
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return ErrInvalidParams
	}
	return DefaultValidator.Validate(dest)
}

// validateUSBID checks a 4 digit hex USB vendor or product id.
func validateUSBID(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	if len(val) != 4 {
		return false
	}
	_, err := hex.DecodeString(val)
	return err == nil
}

// validateListen checks a host:port listen address. The host may be empty.
func validateListen(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	_, port, err := net.SplitHostPort(val)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func validateFileName(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	return transfer.ValidateFileName(val) == nil
}

// validateUploadPath checks that the last element of a path would be
// accepted as an upload name.
func validateUploadPath(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	return transfer.ValidateFileName(filepath.Base(val)) == nil
}
