// internal/schema/validator.go
// Package schema provides JSON schema validation for the mutating API
// payloads. Malformed payloads are rejected at the boundary before any
// workflow rule runs.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload schema names.
const (
	HospitalRegister = "fund.hospital.register"
	RecordUpload     = "fund.record.upload"
	RequestCreate    = "fund.request.create"
	Donate           = "fund.donate"
)

// SupportedPayloads lists the payload types with a registered schema.
var SupportedPayloads = map[string]bool{
	HospitalRegister: true,
	RecordUpload:     true,
	RequestCreate:    true,
	Donate:           true,
}

// Validator validates request payloads against their JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles all payload schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

func (v *Validator) loadSchemas() error {
	// Hospital self-registration: name and location are the minimum an
	// operator needs to review the application.
	hospitalSchema := `{"type":"object","required":["name","location"],"properties":{"name":{"type":"string","minLength":1,"maxLength":128},"location":{"type":"string","minLength":1,"maxLength":256},"documentCid":{"type":"string","maxLength":128},"email":{"type":"string","maxLength":128},"contact":{"type":"string","maxLength":32}}}`
	if err := v.loadSchema(HospitalRegister, hospitalSchema); err != nil {
		return fmt.Errorf("failed to load hospital schema: %w", err)
	}

	// Medical record upload metadata.
	recordSchema := `{"type":"object","required":["title","contentCid"],"properties":{"title":{"type":"string","minLength":1,"maxLength":128},"contentCid":{"type":"string","minLength":1,"maxLength":128},"description":{"type":"string","maxLength":2048},"doctorName":{"type":"string","maxLength":128}}}`
	if err := v.loadSchema(RecordUpload, recordSchema); err != nil {
		return fmt.Errorf("failed to load record schema: %w", err)
	}

	// Funding request creation. Amounts and the deadline are validated
	// structurally here; the minimum-goal policy runs in the workflow.
	requestSchema := `{"type":"object","required":["name","deadline","hospitalWallet","goalAmount"],"properties":{"name":{"type":"string","minLength":1,"maxLength":128},"description":{"type":"string","maxLength":4096},"deadline":{"type":"integer","minimum":0},"hospitalWallet":{"type":"string","pattern":"^0[xX][0-9a-fA-F]{40}$"},"diseaseType":{"type":"string","maxLength":64},"contact":{"type":"string","maxLength":32},"goalAmount":{"type":"integer","minimum":1},"recordCids":{"type":"array","items":{"type":"string","maxLength":128},"maxItems":32}}}`
	if err := v.loadSchema(RequestCreate, requestSchema); err != nil {
		return fmt.Errorf("failed to load request schema: %w", err)
	}

	// Donation payload.
	donateSchema := `{"type":"object","required":["patient","amount"],"properties":{"patient":{"type":"string","pattern":"^0[xX][0-9a-fA-F]{40}$"},"amount":{"type":"integer","minimum":1}}}`
	if err := v.loadSchema(Donate, donateSchema); err != nil {
		return fmt.Errorf("failed to load donate schema: %w", err)
	}

	return nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks raw payload bytes against the named schema. Returns nil if
// valid, an error listing every violation otherwise.
func (v *Validator) Validate(name string, payload []byte) error {
	if !SupportedPayloads[name] {
		return fmt.Errorf("unsupported payload type: %s", name)
	}
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found for payload: %s", name)
	}

	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
