/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports an invalid or incomplete model configuration, detected
// at model construction before any tensor work -- e.g. a missing input_dim
// when a default sub-architecture has to be shaped from it. It is never
// retried automatically.
type ConfigError struct {
	msg string
}

// ConfigErrorf creates a ConfigError with a formatted message.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ConfigError) Error() string { return "model configuration: " + e.msg }

// BadInheritanceError reports a caller-supplied sub-architecture that failed
// its capability check at model construction: it either panicked when probed
// or produced an output incompatible with the declared contract. The caller
// must supply a conforming encoder/decoder.
type BadInheritanceError struct {
	// Arch names the offending sub-architecture: "encoder" or "decoder".
	Arch string

	// Reason describes what the probe observed.
	Reason string
}

// Error implements the error interface.
func (e *BadInheritanceError) Error() string {
	return fmt.Sprintf("custom %s does not satisfy the required network contract: %s", e.Arch, e.Reason)
}

// ErrStateSchema is wrapped by load errors raised when a model weights file
// was found and parsed but holds an unexpected top-level key set -- distinct
// from a missing file, so callers can tell "not found" from "found but wrong
// shape".
var ErrStateSchema = errors.New("model weights file has an unexpected schema")
