/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierr implements spec.md §7's error taxonomy and renders it
// as RFC 7807 problem+json for the HTTP front (C11). Every
// user-visible failure in this module is, or is wrapped into, one of
// the Class values below before it reaches an HTTP handler.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Class is the §7 taxonomy bucket a failure belongs to.
type Class string

const (
	ClassTransient  Class = "transient_infrastructure"
	ClassLogical    Class = "logical_precondition"
	ClassContract   Class = "contract_violation"
	ClassVerifier   Class = "verifier_failure"
	ClassRegression Class = "regression"
	ClassFatal      Class = "fatal_invariant"
)

// Error is the machine-readable error type threaded through the core.
// Its Class determines retry/requeue policy (§7); its Code is a stable
// string safe to show to API callers.
type Error struct {
	Class   Class
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the §7 policy for this class is "retry
// with the queue's backoff" rather than a terminal decision.
func (e *Error) Retriable() bool {
	return e.Class == ClassTransient
}

// New constructs a taxonomy error.
func New(class Class, code, message string, cause error) *Error {
	return &Error{Class: class, Code: code, Message: message, Cause: cause}
}

// Common constructors for the taxonomy entries named in §7.
func Transient(code, message string, cause error) *Error {
	return New(ClassTransient, code, message, cause)
}

func InvalidTransition(from, to string) *Error {
	return New(ClassLogical, "invalid_transition",
		fmt.Sprintf("cannot transition from %q to %q", from, to), nil)
}

func Stale(path string) *Error {
	return New(ClassLogical, "stale_file_hash",
		fmt.Sprintf("file %q changed since generation", path), nil)
}

func DeprecatedPattern(fingerprint string) *Error {
	return New(ClassLogical, "deprecated_pattern",
		fmt.Sprintf("pattern %q is deprecated", fingerprint), nil)
}

func LockContention(projectID, path string) *Error {
	return New(ClassLogical, "lock_contention",
		fmt.Sprintf("advisory lock held for %s:%s", projectID, path), nil)
}

func Contract(code, message string) *Error {
	return New(ClassContract, code, message, nil)
}

func VerifierFailure(reason string) *Error {
	return New(ClassVerifier, "verifier_failed", reason, nil)
}

func Fatal(message string, cause error) *Error {
	return New(ClassFatal, "invariant_violation", message, cause)
}

// Problem is an RFC 7807 "problem details" object, grounded on the
// teacher's pkg/datastorage/validation.RFC7807Problem shape.
type Problem struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     int                    `json:"status"`
	Detail     string                 `json:"detail"`
	Instance   string                 `json:"instance"`
	Extensions map[string]interface{} `json:"-"`
}

// problemTypeBase is the namespace every Problem.Type is rooted under.
const problemTypeBase = "https://codeguard.dev/errors/"

// ToProblem maps a taxonomy Error onto an HTTP-facing RFC 7807 body.
func (e *Error) ToProblem(instance string) *Problem {
	status, title := statusAndTitle(e.Class, e.Code)
	return &Problem{
		Type:     problemTypeBase + e.Code,
		Title:    title,
		Status:   status,
		Detail:   e.Message,
		Instance: instance,
		Extensions: map[string]interface{}{
			"class": string(e.Class),
			"code":  e.Code,
		},
	}
}

func statusAndTitle(class Class, code string) (int, string) {
	switch class {
	case ClassContract:
		return http.StatusBadRequest, "Contract Violation"
	case ClassLogical:
		if code == "lock_contention" {
			return http.StatusConflict, "Resource Locked"
		}
		return http.StatusConflict, "Logical Precondition Failed"
	case ClassVerifier:
		return http.StatusUnprocessableEntity, "Verifier Failure"
	case ClassTransient:
		return http.StatusServiceUnavailable, "Transient Infrastructure Failure"
	case ClassRegression:
		return http.StatusOK, "Regression Detected"
	case ClassFatal:
		return http.StatusInternalServerError, "Invariant Violation"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// NewValidationProblem builds the validation-error shaped Problem used
// by request-body validation failures (go-playground/validator).
func NewValidationProblem(resource string, fieldErrors map[string]string) *Problem {
	return &Problem{
		Type:     problemTypeBase + "validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   fmt.Sprintf("validation failed for %s", resource),
		Instance: "/" + resource,
		Extensions: map[string]interface{}{
			"resource":     resource,
			"field_errors": fieldErrors,
		},
	}
}

// MarshalJSON flattens Extensions alongside the standard RFC 7807
// members, per the spec's "extension members" convention.
func (p *Problem) MarshalJSON() ([]byte, error) {
	flat := map[string]interface{}{
		"type":     p.Type,
		"title":    p.Title,
		"status":   p.Status,
		"detail":   p.Detail,
		"instance": p.Instance,
	}
	for k, v := range p.Extensions {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// NewNotFoundProblem builds the not-found shaped Problem.
func NewNotFoundProblem(resource, id string) *Problem {
	return &Problem{
		Type:     problemTypeBase + "not-found",
		Title:    "Resource Not Found",
		Status:   http.StatusNotFound,
		Detail:   fmt.Sprintf("%s %q not found", resource, id),
		Instance: fmt.Sprintf("/%s/%s", resource, id),
		Extensions: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}
