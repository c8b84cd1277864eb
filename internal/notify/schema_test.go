package notify

import (
	"errors"
	"testing"
)

func TestNotificationValidatorAcceptsWellFormedRecord(t *testing.T) {
	validator, err := NewNotificationValidator()
	if err != nil {
		t.Fatalf("NewNotificationValidator: %v", err)
	}
	raw := []byte(`{
		"id": "ntf_1",
		"kind": "internal-message",
		"title": "Budget question",
		"body": "Can we meet?",
		"createdAt": "2026-03-01T10:00:00Z",
		"priority": "high",
		"senderId": "pastor",
		"recipientId": "u1"
	}`)
	if err := validator.Validate(raw); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestNotificationValidatorRejectsBadShapes(t *testing.T) {
	validator, err := NewNotificationValidator()
	if err != nil {
		t.Fatalf("NewNotificationValidator: %v", err)
	}
	cases := []struct {
		name string
		raw  string
	}{
		{"missing title", `{"kind": "system"}`},
		{"missing kind", `{"title": "x"}`},
		{"unknown kind", `{"kind": "carrier-pigeon", "title": "x"}`},
		{"empty title", `{"kind": "system", "title": ""}`},
		{"numeric id", `{"kind": "system", "title": "x", "id": 42}`},
		{"bad priority", `{"kind": "system", "title": "x", "priority": "urgent"}`},
		{"bad read state", `{"kind": "system", "title": "x", "readState": "archived"}`},
		{"not an object", `["kind", "system"]`},
		{"not json", `{broken`},
	}
	for _, tc := range cases {
		if err := validator.Validate([]byte(tc.raw)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}
