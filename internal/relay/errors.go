// Package relay contains the transfer job engine: the error taxonomy, the
// per-file stream relay, the orchestrator driving a job's state machine,
// and the engine that accepts and exposes jobs to callers.
package relay

import (
	"errors"
	"fmt"

	"courserelay/internal/dest"
	"courserelay/internal/source"
	"courserelay/internal/store"
	"courserelay/internal/token"
)

// Kind classifies a job-fatal failure. Every kind aborts the job; the kind
// distinguishes "no token" from "network timeout" for the event log, it
// never drives a retry.
type Kind string

const (
	KindAuthRequired  Kind = "auth_required"
	KindRefreshFailed Kind = "refresh_failed"
	KindRemoteListing Kind = "remote_listing"
	KindDownload      Kind = "download"
	KindUpload        Kind = "upload"
	KindUnknown       Kind = "unknown"
)

// Error attaches a failure kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an error from any collaborator onto its failure kind.
// Errors that already carry a kind keep it.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, token.ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, token.ErrRefreshFailed):
		return KindRefreshFailed
	case errors.Is(err, source.ErrListing):
		return KindRemoteListing
	case errors.Is(err, source.ErrDownload):
		return KindDownload
	case errors.Is(err, dest.ErrUpload):
		return KindUpload
	case errors.Is(err, store.ErrNotFound):
		return KindAuthRequired
	default:
		return KindUnknown
	}
}

// wrapKind attaches an explicit kind unless the error already carries one.
func wrapKind(kind Kind, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}

	return &Error{Kind: kind, Err: err}
}

// wrap classifies err and attaches the resulting kind.
func wrap(err error) error {
	return wrapKind(Classify(err), err)
}
