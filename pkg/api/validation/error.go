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

package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Error wraps validation errors with formatted messages.
type Error struct {
	Fields []FieldError
}

type FieldError struct {
	Value   any
	Field   string
	Tag     string
	Message string
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

func NewError(errs validator.ValidationErrors) *Error {
	ve := &Error{
		Fields: make([]FieldError, len(errs)),
	}
	for i, fe := range errs {
		ve.Fields[i] = FieldError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Value:   fe.Value(),
			Message: formatValidationError(fe),
		}
	}
	return ve
}

func formatValidationError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "usbid":
		return fmt.Sprintf("%s %q must be 4 hex digits", field, fe.Value())
	case "listen":
		return fmt.Sprintf("%s %q must be a host:port address", field, fe.Value())
	case "filename":
		return fmt.Sprintf("%s %q must be a plain file name without spaces", field, fe.Value())
	case "uploadpath":
		return fmt.Sprintf("%s %q must end in a file name without spaces", field, fe.Value())
	case "url":
		return field + " must be a valid URL"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
