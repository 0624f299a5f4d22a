// Package attrs defines the OpenTelemetry attribute keys used by hypergrid metrics,
// traces and logs, so every emitter names the same dimension the same way.
package attrs

const (
	// AttrRegion is the name of the partitioned region an operation targets.
	AttrRegion = "grid.region"
	// AttrBucket is the numeric bucket id an operation targets.
	AttrBucket = "grid.bucket"
	// AttrOperation is the mutation kind: invalidate, destroy, update or notify.
	AttrOperation = "grid.operation"
	// AttrOutcome classifies a protocol event (conflict rejected, duplicate suppressed, ...).
	AttrOutcome = "grid.outcome"
	// AttrKeyShape is the compact representation chosen for the key.
	AttrKeyShape = "grid.key.shape"
	// AttrMember is a cluster member identity.
	AttrMember = "grid.member"
	// AttrRecipients is the number of members a message was sent to.
	AttrRecipients = "grid.recipients"
	// AttrReattempt marks a failure the caller should retry against a fresh owner.
	AttrReattempt = "grid.reattempt"
	// AttrHit marks a read that found a value.
	AttrHit = "grid.hit"
)
