// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"errors"
	"fmt"
)

// ErrNotFitted is returned by prediction and sampling methods of a
// MixtureModel whose Fit has not completed.
var ErrNotFitted = errors.New("mixture model has not been fitted")

// InputError reports a malformed or inconsistent expression matrix,
// group assignment, or group name.
type InputError struct {
	msg string
}

func (e *InputError) Error() string { return e.msg }

func inputErrorf(format string, args ...interface{}) error {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

// IsInputError returns true if err (or an error it wraps) is an
// *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
