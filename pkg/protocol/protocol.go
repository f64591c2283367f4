// Package protocol defines the JSON documents exchanged between the
// boardwalk worker and the boardwalkd coordination server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TokenHeader carries the signed API token on every authenticated call.
const TokenHeader = "boardwalk-api-token"

// Severity of a workspace event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// WorkspaceDetails describes the worker currently driving a workspace.
type WorkspaceDetails struct {
	HostPattern    string `json:"host_pattern"`
	Workflow       string `json:"workflow"`
	WorkerCommand  string `json:"worker_command"`
	WorkerHostname string `json:"worker_hostname"`
	WorkerUsername string `json:"worker_username"`
}

// WorkspaceEvent is one progress message posted by a worker or recorded by
// the server itself.
type WorkspaceEvent struct {
	Message      string     `json:"message" validate:"required"`
	Severity     Severity   `json:"severity" validate:"required,oneof=info success error"`
	CreateTime   time.Time  `json:"create_time"`
	ReceivedTime *time.Time `json:"received_time,omitempty"`
}

// NewEvent returns an event stamped with the current UTC time.
func NewEvent(severity Severity, message string) WorkspaceEvent {
	return WorkspaceEvent{
		Message:    message,
		Severity:   severity,
		CreateTime: time.Now().UTC(),
	}
}

// WorkspaceSemaphores is the coordination state of a workspace.
type WorkspaceSemaphores struct {
	Caught   bool `json:"caught"`
	HasMutex bool `json:"has_mutex"`
}

// LoginMessage is pushed over the login socket: first with LoginURL set,
// later with Token set.
type LoginMessage struct {
	LoginURL string `json:"login_url"`
	Token    string `json:"token"`
}

var (
	// ErrMalformed means the body was not JSON at all.
	ErrMalformed = errors.New("malformed JSON")

	// ErrInvalid means the body was JSON but did not describe a valid
	// document.
	ErrInvalid = errors.New("invalid document")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses data into v, rejecting unknown fields, then validates v.
// Errors wrap ErrMalformed or ErrInvalid.
func Decode(data []byte, v any) error {
	if !json.Valid(data) {
		return ErrMalformed
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Validate checks v against its struct tags.
func Validate(v any) error {
	return validate.Struct(v)
}
