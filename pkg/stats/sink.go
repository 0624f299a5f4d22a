// Package stats receives protocol timing samples and counters. A Sink never influences
// the replication protocol: use Safe to contain a misbehaving implementation.
package stats

import (
	"time"
)

// Sink receives protocol statistics.
type Sink interface {
	// MessageProcessed records how long an inbound operation message took to apply.
	MessageProcessed(op string, d time.Duration)
	// ReplyReceived records how long a sender waited for its replies.
	ReplyReceived(op string, d time.Duration)
	// ConflictRejected counts operations rejected by version conflict resolution.
	ConflictRejected(op string)
	// DuplicateSuppressed counts replayed operations recognized by event id.
	DuplicateSuppressed(op string)
	// ListenerFailed counts listener callbacks that returned an error or panicked.
	ListenerFailed(op string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageProcessed(string, time.Duration) {}
func (Nop) ReplyReceived(string, time.Duration)    {}
func (Nop) ConflictRejected(string)                {}
func (Nop) DuplicateSuppressed(string)             {}
func (Nop) ListenerFailed(string)                  {}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) MessageProcessed(op string, d time.Duration) {
	for _, s := range m {
		s.MessageProcessed(op, d)
	}
}

func (m Multi) ReplyReceived(op string, d time.Duration) {
	for _, s := range m {
		s.ReplyReceived(op, d)
	}
}

func (m Multi) ConflictRejected(op string) {
	for _, s := range m {
		s.ConflictRejected(op)
	}
}

func (m Multi) DuplicateSuppressed(op string) {
	for _, s := range m {
		s.DuplicateSuppressed(op)
	}
}

func (m Multi) ListenerFailed(op string) {
	for _, s := range m {
		s.ListenerFailed(op)
	}
}

// safe contains panics raised by the wrapped sink.
type safe struct{ next Sink }

// Safe wraps s so that a panicking sink is ignored. A nil s yields Nop.
func Safe(s Sink) Sink {
	if s == nil {
		return Nop{}
	}

	if _, ok := s.(safe); ok {
		return s
	}

	return safe{next: s}
}

func recoverSink() { _ = recover() } //nolint:errcheck // sink failures never reach the protocol

func (s safe) MessageProcessed(op string, d time.Duration) {
	defer recoverSink()

	s.next.MessageProcessed(op, d)
}

func (s safe) ReplyReceived(op string, d time.Duration) {
	defer recoverSink()

	s.next.ReplyReceived(op, d)
}

func (s safe) ConflictRejected(op string) {
	defer recoverSink()

	s.next.ConflictRejected(op)
}

func (s safe) DuplicateSuppressed(op string) {
	defer recoverSink()

	s.next.DuplicateSuppressed(op)
}

func (s safe) ListenerFailed(op string) {
	defer recoverSink()

	s.next.ListenerFailed(op)
}
