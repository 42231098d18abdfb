// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Prefix is the inbound path prefix forwarded to the upstream unchanged.
const Prefix = "/v1beta/"

// CredentialSource tags where the upstream API key came from.
type CredentialSource string

const (
	SourceHeader  CredentialSource = "header"
	SourceEnv     CredentialSource = "env"
	SourceUnknown CredentialSource = "unknown"
)

// Credential is the API key attached to an outbound request.
type Credential struct {
	Key    string
	Source CredentialSource
}

// InboundRequest is a client request to be forwarded upstream.
// Suffix is the escaped path after Prefix; Body holds the raw bytes as received.
type InboundRequest struct {
	Ctx      context.Context
	Method   string
	Suffix   string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Path returns the forwarded path, Prefix followed by Suffix.
func (r *InboundRequest) Path() string {
	return Prefix + r.Suffix
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Outcome is the per-request record handed to the outcome recorder.
type Outcome struct {
	Method    string
	Path      string
	Status    int
	Duration  time.Duration
	Source    CredentialSource
	Error     string
	RequestID string
}
