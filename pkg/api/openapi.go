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

package api

import (
	"context"
	_ "embed"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiDoc []byte

// ValidateSchema loads and validates the embedded OpenAPI document at
// process boot, per SPEC_FULL.md §4.9: the document and the request/
// response DTOs above are kept honest by validating the document
// itself against the OpenAPI 3 spec, rather than generating the Go
// types from it (ogen-go/ogen, a compile-time codegen tool, is not
// used here — see DESIGN.md).
func ValidateSchema() error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDoc)
	if err != nil {
		return err
	}
	return doc.Validate(context.Background())
}
