package validators

// Committee is the ordered subset of validators entitled to sign one round.
// A committee is scoped to a single round; if it times out before reaching
// quorum it is superseded by a fallback committee for the same round.
type Committee struct {
	RoundNumber        uint64
	Members            []string
	StartTime          uint64
	SignaturesReceived map[string]bool
	QuorumAchieved     bool
	FallbackTriggered  bool
	EndTime            uint64
}

func newCommittee(roundNumber uint64, members []string, startTime uint64) *Committee {
	return &Committee{
		RoundNumber:        roundNumber,
		Members:            members,
		StartTime:          startTime,
		SignaturesReceived: make(map[string]bool),
	}
}

// Len returns the number of members.
func (c *Committee) Len() int {
	return len(c.Members)
}

// IsMember reports whether addr is part of the committee.
func (c *Committee) IsMember(addr string) bool {
	for _, m := range c.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// HasSigned reports whether addr has already been recorded as a signer.
func (c *Committee) HasSigned(addr string) bool {
	return c.SignaturesReceived[addr]
}

// clone returns a deep copy of the committee. Callers outside the manager's
// lock must only ever see clones.
func (c *Committee) clone() *Committee {
	cp := &Committee{
		RoundNumber:        c.RoundNumber,
		Members:            append([]string{}, c.Members...),
		StartTime:          c.StartTime,
		SignaturesReceived: make(map[string]bool, len(c.SignaturesReceived)),
		QuorumAchieved:     c.QuorumAchieved,
		FallbackTriggered:  c.FallbackTriggered,
		EndTime:            c.EndTime,
	}
	for addr, signed := range c.SignaturesReceived {
		cp.SignaturesReceived[addr] = signed
	}
	return cp
}

// Missing returns the members that have not signed yet.
func (c *Committee) Missing() []string {
	res := []string{}
	for _, m := range c.Members {
		if !c.SignaturesReceived[m] {
			res = append(res, m)
		}
	}
	return res
}
