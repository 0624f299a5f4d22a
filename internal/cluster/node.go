// Package cluster contains primitives for member identity, membership tracking and
// consistent hashing of buckets onto members, used by the partitioned region to
// resolve the primary and replica owners of a bucket.
package cluster

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// NodeState represents membership state of a member.
type NodeState int

// Node state enumeration.
const (
	NodeAlive NodeState = iota
	NodeSuspect
	NodeDead
)

// internal constants.
const (
	nodeIDBytes = 8
	byteShift   = 8 // bits per byte for id derivation
)

func (s NodeState) String() string {
	switch s {
	case NodeAlive:
		return "alive"
	case NodeSuspect:
		return "suspect"
	case NodeDead:
		return "dead"
	}

	return "unknown"
}

// NodeID is a stable identifier for a member of the distributed system.
// The empty NodeID is the "unset" identity carried by tags that have not been stamped yet.
type NodeID string

// IsZero reports whether the identity is unset.
func (id NodeID) IsZero() bool { return id == "" }

// Compare orders identities lexically. It is the deterministic tie-break used by
// version conflict resolution when two tags carry the same entry version.
func (id NodeID) Compare(other NodeID) int { return strings.Compare(string(id), string(other)) }

// Node holds identity & state.
type Node struct {
	ID          NodeID
	Address     string // host:port for intra-cluster messaging
	State       NodeState
	Incarnation uint64
	LastSeen    time.Time
}

// ErrInvalidAddress is returned when the node address is invalid.
var ErrInvalidAddress = errors.New("invalid node address")

// NewNode creates a node from address (host:port). If id empty, derive a short hex id using xxhash64.
func NewNode(id, addr string) *Node {
	if id == "" {
		id = DeriveID(addr)
	}

	return &Node{ID: NodeID(id), Address: addr, State: NodeAlive, Incarnation: 1, LastSeen: time.Now()}
}

// DeriveID returns the stable member id derived from an address.
func DeriveID(addr string) string {
	hv := xxhash.Sum64String(addr)

	b := make([]byte, nodeIDBytes)
	for i := range nodeIDBytes {
		b[i] = byte(hv >> (byteShift * i))
	}

	return hex.EncodeToString(b)
}

// Validate basic fields.
func (n *Node) Validate() error {
	if n.Address == "" {
		return ErrInvalidAddress
	}

	_, _, err := net.SplitHostPort(n.Address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	return nil
}
