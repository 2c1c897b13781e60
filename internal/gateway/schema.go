package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/aided/pkg/models"
)

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[models.MessageType]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = envelope

		payloads := map[models.MessageType]string{
			models.TypePing:             pingPayloadSchema,
			models.TypeChatRequest:      chatRequestPayloadSchema,
			models.TypeSystemCommand:    systemCommandPayloadSchema,
			models.TypeApprovalResponse: approvalResponsePayloadSchema,
		}
		frameSchemas.payloads = make(map[models.MessageType]*jsonschema.Schema, len(payloads))
		for t, schema := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+string(t), schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.payloads[t] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateClientFrame checks an inbound envelope and its typed payload
// against the protocol schemas.
func validateClientFrame(raw []byte, env *models.Envelope) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := frameSchemas.envelope.Validate(generic); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	schema := frameSchemas.payloads[env.Type]
	if schema == nil {
		return nil
	}
	var payload any
	if len(env.Payload) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "payload": {}
  },
  "additionalProperties": true
}`

const pingPayloadSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const chatRequestPayloadSchema = `{
  "type": "object",
  "required": ["requestId", "content"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 },
    "tier": { "enum": ["tier1", "tier2", "worker"] },
    "isOnboarding": { "type": "boolean" },
    "messages": { "type": "array" }
  },
  "additionalProperties": true
}`

const systemCommandPayloadSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {
      "enum": ["force-local", "auto-route", "switch-cloud", "status", "set-default-tier", "force-worker"]
    },
    "args": { "type": "string" }
  },
  "additionalProperties": true
}`

const approvalResponsePayloadSchema = `{
  "type": "object",
  "required": ["approvalId", "decision"],
  "properties": {
    "approvalId": { "type": "string", "minLength": 1 },
    "decision": { "enum": ["allow-once", "allow-always", "deny"] }
  },
  "additionalProperties": true
}`
