// Package dist holds the settings of a grid member.
package dist

import (
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

const (
	defaultVirtualNodes = 64
	defaultBucketCount  = 113
	defaultRedundancy   = 1
	defaultReplyTimeout = 15 * time.Second
	defaultWorkers      = 8
	defaultTombstoneTTL = 10 * time.Minute
)

// Transport names accepted by Config.Transport.
const (
	TransportHTTP  = "http"
	TransportRedis = "redis"
)

// Config holds the member identity and the partitioned region settings of a grid node.
type Config struct {
	NodeID       string
	BindAddr     string   // address the transport listens on
	MgmtAddr     string   // management HTTP address; empty disables it
	MgmtToken    string   // bearer token required by the management endpoints; empty disables auth
	Peers        []string // id@host:port of the other members
	Transport    string
	RedisAddr    string
	Region       string
	BucketCount  int
	Redundancy   int // replica owners per bucket in addition to the primary
	VirtualNodes int
	ReplyTimeout time.Duration
	OffHeap      bool
	OffHeapMaxMB int // bound on off-heap memory; 0 means unbounded
	Serializer   string
	Compression  string
	Workers      int
	TombstoneTTL time.Duration
	Accessor     bool // join without hosting buckets

	HeartbeatInterval time.Duration // 0 disables failure detection
	SuspectAfter      time.Duration
	DeadAfter         time.Duration

	LogLevel string // debug, info, warn, error
	LogJSON  bool
}

// Defaults returns a Config with safe initial values.
func Defaults() Config {
	return Config{
		BindAddr:          "127.0.0.1:7400",
		Transport:         TransportHTTP,
		Region:            "default",
		BucketCount:       defaultBucketCount,
		Redundancy:        defaultRedundancy,
		VirtualNodes:      defaultVirtualNodes,
		ReplyTimeout:      defaultReplyTimeout,
		Serializer:        "msgpack",
		Workers:           defaultWorkers,
		TombstoneTTL:      defaultTombstoneTTL,
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		SuspectAfter:      constants.DefaultSuspectAfter,
		DeadAfter:         constants.DefaultDeadAfter,
		LogLevel:          "info",
	}
}

// Peer is a parsed id@host:port peer entry.
type Peer struct {
	ID      string
	Address string
}

// ParsePeers parses id@host:port entries. An entry without an id gets the id
// derived from its address by the caller.
func ParsePeers(raw []string) ([]Peer, error) {
	peers := make([]Peer, 0, len(raw))

	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		id, addr, found := strings.Cut(p, "@")
		if !found {
			id, addr = "", p
		}

		if addr == "" {
			return nil, ewrap.Wrapf(sentinel.ErrInvalidConfig, "peer %q has no address", p)
		}

		peers = append(peers, Peer{ID: id, Address: addr})
	}

	return peers, nil
}

// Validate checks the settings a node cannot start without.
func (c Config) Validate() error {
	switch {
	case c.BindAddr == "":
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "bind address is empty")
	case c.Region == "":
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "region name is empty")
	case c.Transport != TransportHTTP && c.Transport != TransportRedis:
		return ewrap.Wrapf(sentinel.ErrInvalidConfig, "unknown transport %q", c.Transport)
	case c.Transport == TransportRedis && c.RedisAddr == "":
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "redis transport needs a redis address")
	case c.OffHeapMaxMB < 0:
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "negative off-heap bound")
	case c.DeadAfter > 0 && c.SuspectAfter > c.DeadAfter:
		return ewrap.Wrap(sentinel.ErrInvalidConfig, "suspect-after exceeds dead-after")
	}

	return nil
}
