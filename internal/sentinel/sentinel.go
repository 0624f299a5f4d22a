// Package sentinel provides standardized error definitions for the hypergrid system.
// This package centralizes the error values shared by the replication protocol,
// the entry storage and the distribution layer, so that callers can classify a
// failure with errors.Is regardless of where it was raised or how many times it
// was wrapped on the way up.
//
// The errors defined here fall into the following groups:
//   - Cache-level outcomes reported to the caller (entry not found, remote cache errors)
//   - Reattempt signals (primary moved, forced reattempt, reply timeout)
//   - Invariant violations that are raised as panics (double release, use after free)
//   - Configuration and wire format errors
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrInvalidKey is returned when a nil key is used to address an entry.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrNilValue is returned when a nil value is attempted to be stored.
	ErrNilValue = ewrap.New("nil value")

	// ErrEntryNotFound is returned when the target key of an invalidate or destroy does not exist.
	ErrEntryNotFound = ewrap.New("entry not found")

	// ErrPrimaryMoved is returned when the member addressed by an operation no longer hosts,
	// or is no longer primary for, the target bucket. The sender must retarget the operation.
	ErrPrimaryMoved = ewrap.New("primary moved")

	// ErrBucketNotHosted is returned when a bucket is not hosted by the local member.
	ErrBucketNotHosted = ewrap.New("bucket not hosted")

	// ErrForceReattempt is returned when a message could not be delivered to, or was not answered by,
	// one or more recipients. The caller should reattempt the operation.
	ErrForceReattempt = ewrap.New("force reattempt")

	// ErrNoResponse is returned when a reply processor completed without receiving a response value.
	ErrNoResponse = ewrap.New("no response code received")

	// ErrReplyTimeout is returned when the expected replies did not arrive before the configured timeout.
	ErrReplyTimeout = ewrap.New("reply wait timed out")

	// ErrRemoteCache is returned when a peer reported a cache-level exception while applying an operation.
	ErrRemoteCache = ewrap.New("remote cache exception")

	// ErrRemoteInternal is returned when a peer failed with an unclassified error.
	ErrRemoteInternal = ewrap.New("remote internal error")

	// ErrDoubleRelease is raised (as a panic) when an off-heap reference or an event is released twice.
	ErrDoubleRelease = ewrap.New("double release")

	// ErrEventReleased is raised (as a panic) when an entry event is used or released after release.
	ErrEventReleased = ewrap.New("entry event already released")

	// ErrUseAfterFree is returned when off-heap bytes are accessed after their reference count reached zero.
	ErrUseAfterFree = ewrap.New("off-heap use after free")

	// ErrArenaFull is returned when an off-heap allocation would exceed the configured capacity.
	ErrArenaFull = ewrap.New("off-heap arena full")

	// ErrIncompatibleValue is raised (as a panic) when a value shape does not match the locked-in entry representation.
	ErrIncompatibleValue = ewrap.New("incompatible value for entry representation")

	// ErrInvalidSize is returned when the size of a value cannot be estimated.
	ErrInvalidSize = ewrap.New("invalid size")

	// ErrUnknownFormat is returned when a wire frame carries an unknown format identifier.
	ErrUnknownFormat = ewrap.New("unknown message format")

	// ErrCorruptFrame is returned when a wire frame is truncated or malformed.
	ErrCorruptFrame = ewrap.New("corrupt message frame")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrNoDistribution is returned when a distributed operation is attempted without a distribution manager.
	ErrNoDistribution = ewrap.New("no distribution manager configured")

	// ErrMemberNotFound is returned when a member cannot be resolved by the distribution layer.
	ErrMemberNotFound = ewrap.New("member not found")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs.
	ErrTimeoutOrCanceled = ewrap.New("the operation timed out or was canceled")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")

	// ErrClosed is returned when an operation is attempted on a stopped component.
	ErrClosed = ewrap.New("closed")

	// ErrInvalidConfig is returned when node settings are inconsistent.
	ErrInvalidConfig = ewrap.New("invalid configuration")
)
