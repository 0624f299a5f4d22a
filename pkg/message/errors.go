package message

import (
	"errors"
	"fmt"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// ErrorKind classifies a failure reported in a reply.
type ErrorKind uint8

// Reply error kinds.
const (
	// KindCache is an application level exception raised by the replier.
	KindCache ErrorKind = iota + 1
	// KindNotFound reports that the target key does not exist.
	KindNotFound
	// KindPrimaryMoved reports that the replier no longer hosts the bucket as required.
	KindPrimaryMoved
	// KindForceReattempt reports that the replier could not complete the distribution it was asked to do.
	KindForceReattempt
	// KindInternal is any other failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindCache:
		return "cache"
	case KindNotFound:
		return "not_found"
	case KindPrimaryMoved:
		return "primary_moved"
	case KindForceReattempt:
		return "force_reattempt"
	case KindInternal:
		return "internal"
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RemoteError is a failure reported by a peer. It matches the sentinel of its kind
// with errors.Is, so callers classify remote and local failures the same way.
type RemoteError struct {
	Kind    ErrorKind
	Message string
	Key     string
	Member  string
}

func (e *RemoteError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("%s on %s: %s (key %s)", e.Kind, e.Member, e.Message, e.Key)
	}

	return fmt.Sprintf("%s: %s (key %s)", e.Kind, e.Message, e.Key)
}

// Unwrap returns the sentinel matching the kind.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindNotFound:
		return sentinel.ErrEntryNotFound
	case KindPrimaryMoved:
		return sentinel.ErrPrimaryMoved
	case KindForceReattempt:
		return sentinel.ErrForceReattempt
	case KindCache:
		return sentinel.ErrRemoteCache
	case KindInternal:
	}

	return sentinel.ErrRemoteInternal
}

// ToRemote converts a local failure into the payload sent back to the requester.
func ToRemote(err error, key string) *RemoteError {
	if err == nil {
		return nil
	}

	var re *RemoteError
	if errors.As(err, &re) {
		out := *re
		if out.Key == "" {
			out.Key = key
		}

		return &out
	}

	kind := KindInternal

	switch {
	case errors.Is(err, sentinel.ErrEntryNotFound):
		kind = KindNotFound
	case errors.Is(err, sentinel.ErrPrimaryMoved), errors.Is(err, sentinel.ErrBucketNotHosted):
		kind = KindPrimaryMoved
	case errors.Is(err, sentinel.ErrForceReattempt), errors.Is(err, sentinel.ErrReplyTimeout):
		kind = KindForceReattempt
	case errors.Is(err, sentinel.ErrRemoteCache), errors.Is(err, sentinel.ErrNilValue),
		errors.Is(err, sentinel.ErrInvalidKey):
		kind = KindCache
	}

	return &RemoteError{Kind: kind, Message: err.Error(), Key: key}
}
