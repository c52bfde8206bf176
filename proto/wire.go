// Package proto defines the wire DTOs exchanged between change-set owners
// and the rebase service.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"snapgraph/cas"
	"snapgraph/ident"
)

var validate = validator.New()

// ReplyStatus is the binary outcome of a rebase.
type ReplyStatus string

const (
	StatusSuccess ReplyStatus = "success"
	StatusError   ReplyStatus = "error"
)

// RebaseRequest asks the service to apply a stored batch to a change set.
type RebaseRequest struct {
	// ToRebaseChangeSetID is the change set whose snapshot is the target.
	ToRebaseChangeSetID ident.ID `json:"toRebaseChangeSetId" validate:"required"`
	// RebaseBatchAddress is the content address of the batch.
	RebaseBatchAddress cas.Hash `json:"rebaseBatchAddress" validate:"required"`
	// FromChangeSetID is the change set the batch was detected in, if any.
	FromChangeSetID *ident.ID `json:"fromChangeSetId,omitempty"`
}

// Validate checks required fields.
func (r RebaseRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rebase request: %w", err)
	}
	return nil
}

// RebaseReply is sent once per request.
type RebaseReply struct {
	Status ReplyStatus `json:"status" validate:"oneof=success error"`
	// UpdatesPerformed is the address of the corrected batch that was applied.
	UpdatesPerformed cas.Hash `json:"updatesPerformed,omitzero"`
	// Message describes the failure for error replies.
	Message string `json:"message,omitempty"`
}

func SuccessReply(updatesPerformed cas.Hash) RebaseReply {
	return RebaseReply{Status: StatusSuccess, UpdatesPerformed: updatesPerformed}
}

func ErrorReply(message string) RebaseReply {
	return RebaseReply{Status: StatusError, Message: message}
}

// OK reports whether the rebase succeeded.
func (r RebaseReply) OK() bool {
	return r.Status == StatusSuccess
}

// Validate checks the status is one of the two allowed values.
func (r RebaseReply) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rebase reply: %w", err)
	}
	return nil
}

// Delivery is one dequeued request. ID is assigned by the queue and keys
// the reply.
type Delivery struct {
	ID       string        `json:"id"`
	Request  RebaseRequest `json:"request"`
	Attempts int           `json:"attempts"`
}

// Envelope is how queues store a request.
type Envelope struct {
	ID       string        `json:"id"`
	Request  RebaseRequest `json:"request"`
	QueuedAt int64         `json:"queuedAt"`
}

// EncodeEnvelope validates the request and serializes it.
func EncodeEnvelope(id string, req RebaseRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{ID: id, Request: req, QueuedAt: cas.NowMs()})
}

// DecodeEnvelope parses and validates a stored request.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := env.Request.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// EncodeReply serializes a reply.
func EncodeReply(r RebaseReply) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeReply parses a reply.
func DecodeReply(data []byte) (RebaseReply, error) {
	var r RebaseReply
	if err := json.Unmarshal(data, &r); err != nil {
		return RebaseReply{}, fmt.Errorf("decoding reply: %w", err)
	}
	return r, nil
}
