package region

import (
	"context"
	"errors"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/message"
)

// IsReattempt reports whether err asks the caller to retry the operation, against a
// freshly resolved owner or after a transport failure.
func IsReattempt(err error) bool {
	return IsOwnershipMoved(err) || IsTransportFailure(err)
}

// IsOwnershipMoved reports whether the addressed member no longer hosts the bucket
// in the required role.
func IsOwnershipMoved(err error) bool {
	return errors.Is(err, sentinel.ErrPrimaryMoved) || errors.Is(err, sentinel.ErrBucketNotHosted)
}

// IsTransportFailure reports whether the operation could not be delivered to, or was
// not answered by, some recipient.
func IsTransportFailure(err error) bool {
	return errors.Is(err, sentinel.ErrForceReattempt) || errors.Is(err, sentinel.ErrReplyTimeout)
}

// IsNotFound reports whether the target key does not exist.
func IsNotFound(err error) bool { return errors.Is(err, sentinel.ErrEntryNotFound) }

// IsRemoteCache reports whether a peer rejected the operation with a cache level error.
func IsRemoteCache(err error) bool {
	var re *message.RemoteError

	return errors.As(err, &re) && re.Kind == message.KindCache
}

type callbackKey struct{}

// WithCallbackArgument attaches arg to the operations run with ctx. It is delivered
// to listeners on every member with the resulting event.
func WithCallbackArgument(ctx context.Context, arg []byte) context.Context {
	return context.WithValue(ctx, callbackKey{}, arg)
}

func callbackArgument(ctx context.Context) []byte {
	arg, _ := ctx.Value(callbackKey{}).([]byte)

	return arg
}
