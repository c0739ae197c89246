// Package errs defines the tagged error kinds surfaced by the gateway's core
// components, per the error handling design in SPEC_FULL.md §7. Callers use
// errors.Is against the sentinel Kind values, and errors.As against *Error
// to recover the underlying cause and any node attribution.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry and HTTP status
// mapping. It does not replace the underlying error; it tags it.
type Kind string

const (
	// KindValidation marks a malformed request: bad model, missing
	// messages, out-of-range parameters. No retry, surfaced as 4xx.
	KindValidation Kind = "validation"
	// KindAuthorization marks a bad or missing client token. No retry,
	// surfaced as 401.
	KindAuthorization Kind = "authorization"
	// KindTier marks a model requiring a higher tier than the caller has.
	// No retry, surfaced as 4xx.
	KindTier Kind = "tier"
	// KindNoCandidates marks an empty candidate pool. No retry, surfaced
	// as 503.
	KindNoCandidates Kind = "no_candidates"
	// KindTransientNode marks a recoverable per-node failure: connection
	// refused/aborted, 5xx, stream interruption, worker disconnect,
	// timeout. The Retry Coordinator tries another candidate.
	KindTransientNode Kind = "transient_node"
	// KindProtocolMismatch marks a 404 on the OpenAI path against an
	// unknown-type node; recovered by reclassifying and retrying once on
	// the same node.
	KindProtocolMismatch Kind = "protocol_mismatch"
	// KindTimeout marks a per-attempt or per-stream inactivity timeout.
	// Treated as KindTransientNode-equivalent by the Retry Coordinator.
	KindTimeout Kind = "timeout"
	// KindFatal marks shutdown: every pending entity fails with this, no
	// retry is attempted.
	KindFatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and, when the error
// originated from a specific node attempt, the node's URL.
type Error struct {
	Cause   error
	NodeURL string
	Kind    Kind
}

func (e *Error) Error() string {
	if e.NodeURL != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.NodeURL, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.Transient) (and friends) to match any
// *Error of the corresponding Kind, regardless of Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Cause != nil {
		return false
	}
	return e.Kind == t.Kind
}

// New wraps cause with kind, with no node attribution.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NewAtNode wraps cause with kind and attributes it to the given node URL.
func NewAtNode(kind Kind, nodeURL string, cause error) *Error {
	return &Error{Kind: kind, Cause: cause, NodeURL: nodeURL}
}

// Sentinel Kind-only errors for use with errors.Is, e.g.:
//
//	if errors.Is(err, errs.Transient) { ... }
var (
	Validation       = &Error{Kind: KindValidation}
	Authorization    = &Error{Kind: KindAuthorization}
	Tier             = &Error{Kind: KindTier}
	NoCandidates     = &Error{Kind: KindNoCandidates}
	Transient        = &Error{Kind: KindTransientNode}
	ProtocolMismatch = &Error{Kind: KindProtocolMismatch}
	Timeout          = &Error{Kind: KindTimeout}
	Fatal            = &Error{Kind: KindFatal}
)

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
