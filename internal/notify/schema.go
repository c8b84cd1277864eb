package notify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Stored records are decoded leniently (feed.go); records entering the
// system through the ingest boundary are validated strictly so bad
// shapes are rejected at the edge instead of salvaged forever after.
const notificationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "title"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"kind": {
			"type": "string",
			"enum": ["internal-message", "system", "welfare", "maintenance", "delivery-receipt", "reply"]
		},
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"createdAt": {"type": "string"},
		"readState": {"type": "string", "enum": ["unread", "read"]},
		"priority": {"type": "string", "enum": ["low", "medium", "high"]},
		"senderId": {"type": "string"},
		"senderName": {"type": "string"},
		"recipientId": {"type": "string"},
		"recipientEmail": {"type": "string"},
		"threadRootId": {"type": "string"}
	}
}`

type NotificationValidator struct {
	schema *jsonschema.Schema
}

func NewNotificationValidator() (*NotificationValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, err
	}
	return &NotificationValidator{schema: schema}, nil
}

func (v *NotificationValidator) Validate(raw []byte) error {
	if v == nil || v.schema == nil {
		return ErrInvalidState
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
