// Package swarmerr defines the client's error taxonomy. Errors at the
// client's main failure points are classified under one of these
// Kinds, so callers can branch on failure category with errors.Is
// instead of string matching.
package swarmerr

import "github.com/pkg/errors"

// Kind classifies a swarmd error into a stable, comparable category.
type Kind struct {
	name string
}

func (k Kind) Error() string { return k.name }

var (
	// MetainfoNotFound means the .torrent file path does not exist.
	MetainfoNotFound = Kind{"metainfo not found"}
	// MetainfoCorrupt means the .torrent file could not be parsed or
	// failed metainfo validation.
	MetainfoCorrupt = Kind{"metainfo corrupt"}
	// DestinationMissing means the download destination directory does
	// not exist and could not be created.
	DestinationMissing = Kind{"destination missing"}
	// PeerIoError wraps a read/write/dial failure talking to a peer.
	PeerIoError = Kind{"peer io error"}
	// PieceHashMismatch means a fully assembled piece failed its SHA-1
	// check against the metainfo's recorded hash.
	PieceHashMismatch = Kind{"piece hash mismatch"}
	// PieceReceiveTimeout means a requested block was not delivered
	// within the configured deadline.
	PieceReceiveTimeout = Kind{"piece receive timeout"}
	// TrackerRequestFailed means every url of an announce-list tier
	// failed to respond successfully to an announce.
	TrackerRequestFailed = Kind{"tracker request failed"}
)

// Wrap attaches kind to err, preserving err as the wrapped cause so
// that errors.Is(result, kind) and errors.Unwrap still reach the
// original error.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(&kindError{kind: kind, cause: err}, msg)
}

// New creates a bare error of kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return errors.WithStack(&kindError{kind: kind, cause: errors.New(msg)})
}

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.kind.name + ": " + e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

// Is reports whether target is e's Kind, so that errors.Is(err,
// swarmerr.PeerIoError) works through any number of wrapping layers.
func (e *kindError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.kind
}
