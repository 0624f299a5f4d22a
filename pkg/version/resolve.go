package version

// Decision is the outcome of resolving an incoming tag against the stored one.
type Decision int

const (
	// Reject leaves the stored state untouched. A rejected operation is still acknowledged.
	Reject Decision = iota
	// Accept installs the incoming mutation.
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}

	return "reject"
}

// Resolve decides whether incoming supersedes existing. A greater entry version
// wins; on equal entry versions the lexically greater member wins. Replaying the
// stored tag is rejected, which makes delivery of the same mutation idempotent.
// The rule depends only on the two tags, never on arrival order or wall clocks.
func Resolve(existing *Tag, incoming Tag) Decision {
	if existing == nil {
		return Accept
	}

	switch {
	case incoming.EntryVersion > existing.EntryVersion:
		return Accept
	case incoming.EntryVersion < existing.EntryVersion:
		return Reject
	}

	if incoming.Member.Compare(existing.Member) > 0 {
		return Accept
	}

	return Reject
}

// Winner returns the tag that survives when both a and b are applied in any order.
func Winner(a, b Tag) Tag {
	if Resolve(&a, b) == Accept {
		return b
	}

	return a
}
