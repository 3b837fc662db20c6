// Package tools defines the callable capabilities the agent may invoke and
// the registry that dispatches them. Every tool declares a JSON schema for
// its arguments; the registry validates arguments against it before the
// tool ever runs.
package tools

import (
	"context"

	"github.com/pasky/muaddib/internal/providers"
)

// PersistType controls whether and how a tool's effects are later summarised
// into the chronicle.
type PersistType string

const (
	PersistNone     PersistType = "none"
	PersistSummary  PersistType = "summary"
	PersistArtifact PersistType = "artifact"
)

// Tool is one callable capability.
type Tool interface {
	// Name is the unique identifier the model calls the tool by.
	Name() string
	// Label is the human-readable name used in logs and progress output.
	Label() string
	// Description is shown to the model.
	Description() string
	// Schema is the JSON schema of the argument object.
	Schema() map[string]interface{}
	// PersistType classifies the tool for chronicle persistence.
	PersistType() PersistType
	// Execute runs the tool. Domain failures should be reported as an
	// error Result, not an error return; returned errors mean the executor
	// itself broke.
	Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error)
}

// Result is what a tool execution feeds back into the agent loop.
type Result struct {
	Content string
	Images  []providers.ImageContent
	Details map[string]interface{}
	IsError bool
}

// NewResult returns a successful result with the given content.
func NewResult(content string) *Result {
	return &Result{Content: content}
}

// ErrorResult returns a result flagged as an error; the loop continues and
// the model sees the message.
func ErrorResult(content string) *Result {
	return &Result{Content: content, IsError: true}
}
