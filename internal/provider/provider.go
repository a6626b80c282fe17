package provider

import (
	"context"
	"errors"
	"fmt"
)

// Part is one typed block of tenant-supplied content. Only the closed set
// below is accepted; anything else is rejected at validation time instead
// of being silently dropped.
type Part struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64 for image parts
}

const (
	PartText  = "text"
	PartImage = "image"
)

// ValidateParts rejects unrecognized part kinds.
func ValidateParts(parts []Part) error {
	for i, p := range parts {
		switch p.Type {
		case PartText, PartImage:
		default:
			return fmt.Errorf("unrecognized content part type %q at index %d", p.Type, i)
		}
	}
	return nil
}

// Request is what the gateway sends upstream: the system instruction is
// assembled server-side and the user content is either plain text or a
// part sequence, never both.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	UserText  string
	UserParts []Part
}

type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ErrEmptyResponse marks a success envelope carrying no usable content.
// It is a failure: an empty completion must never be billed or returned
// as a zero-cost success.
var ErrEmptyResponse = errors.New("upstream returned an empty response")

// ErrUnreachable marks network-level failures (connect, timeout). The
// caller may retry; nothing is recorded in the ledger.
var ErrUnreachable = errors.New("upstream unreachable")

// EnvelopeError is a structured error returned by the upstream provider
// itself; its message is passed through to the caller.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("model error: %s", e.Message)
}

type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
