package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schemas, compiled once at startup. Validation happens on the raw
// decoded JSON before it is bound to a struct, so a request with the wrong
// shape is rejected with a precise schema error instead of a zero value.

const startSessionSchema = `{
	"type": "object",
	"required": ["context", "requested_capabilities"],
	"properties": {
		"context": {
			"type": "object",
			"required": ["application", "target", "identity"],
			"properties": {
				"application": {"type": "string", "minLength": 1},
				"target": {"type": "string", "minLength": 1},
				"identity": {"type": "string", "minLength": 1}
			}
		},
		"requested_capabilities": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "reversibility"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"params": {"type": "object"},
					"bound": {"type": "string"},
					"reversibility": {
						"enum": ["FULLY_REVERSIBLE", "PARTIALLY_REVERSIBLE", "NON_REVERSIBLE"]
					}
				}
			}
		},
		"ttl_seconds": {"type": "integer", "minimum": 0},
		"silence_timeout_seconds": {"type": "integer", "minimum": 0},
		"lane": {"type": "string"}
	}
}`

const executeStepSchema = `{
	"type": "object",
	"required": ["session_id", "operation"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"operation": {"type": "string", "minLength": 1},
		"parameters": {"type": "object"}
	}
}`

const confirmationSchema = `{
	"type": "object",
	"required": ["session_id", "token_id", "response"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"token_id": {"type": "string", "minLength": 1},
		"response": {"type": "string"},
		"hold_ms": {"type": "integer", "minimum": 0}
	}
}`

const grantConsentSchema = `{
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1}
	}
}`

const declineSchema = `{
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	}
}`

const revokeSchema = `{
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"reason": {"type": "string"}
	}
}`

type requestSchemas struct {
	startSession *jsonschema.Schema
	grantConsent *jsonschema.Schema
	decline      *jsonschema.Schema
	executeStep  *jsonschema.Schema
	confirmation *jsonschema.Schema
	revoke       *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compile := func(name, body string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://selfsession.schemas.local/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(body)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		return compiled, nil
	}

	var (
		s   requestSchemas
		err error
	)
	if s.startSession, err = compile("start_session", startSessionSchema); err != nil {
		return nil, err
	}
	if s.grantConsent, err = compile("grant_consent", grantConsentSchema); err != nil {
		return nil, err
	}
	if s.decline, err = compile("decline", declineSchema); err != nil {
		return nil, err
	}
	if s.executeStep, err = compile("execute_step", executeStepSchema); err != nil {
		return nil, err
	}
	if s.confirmation, err = compile("confirmation_response", confirmationSchema); err != nil {
		return nil, err
	}
	if s.revoke, err = compile("revoke", revokeSchema); err != nil {
		return nil, err
	}
	return &s, nil
}
