package vclock

// VectorClock maps each writer to the latest event of theirs that has been
// observed. The zero value is an empty clock and is ready to use.
type VectorClock struct {
	Entries map[ClockID]LamportClock `json:"entries"`
}

// New returns an empty vector clock.
func New() VectorClock {
	return VectorClock{Entries: make(map[ClockID]LamportClock)}
}

// Len reports the number of entries.
func (v VectorClock) Len() int {
	return len(v.Entries)
}

// Entry returns the clock recorded for id.
func (v VectorClock) Entry(id ClockID) (LamportClock, bool) {
	c, ok := v.Entries[id]
	return c, ok
}

// Inc bumps the entry for id, inserting it if absent.
func (v *VectorClock) Inc(id ClockID) {
	if v.Entries == nil {
		v.Entries = make(map[ClockID]LamportClock)
	}
	c, ok := v.Entries[id]
	if !ok {
		v.Entries[id] = NewLamportClock()
		return
	}
	c.Inc()
	v.Entries[id] = c
}

// Merge takes the componentwise maximum of other into v, then records an
// event of id's own.
func (v *VectorClock) Merge(id ClockID, other VectorClock) {
	if v.Entries == nil {
		v.Entries = make(map[ClockID]LamportClock, len(other.Entries))
	}
	for oid, oc := range other.Entries {
		if c, ok := v.Entries[oid]; !ok || oc.After(c) {
			v.Entries[oid] = oc
		}
	}
	v.Inc(id)
}

// Clone returns a deep copy.
func (v VectorClock) Clone() VectorClock {
	out := VectorClock{Entries: make(map[ClockID]LamportClock, len(v.Entries))}
	for id, c := range v.Entries {
		out.Entries[id] = c
	}
	return out
}

// Fork branches the clock for a new change set.
func (v VectorClock) Fork(id ClockID) VectorClock {
	out := v.Clone()
	out.Inc(id)
	return out
}

// IsNewerThan reports whether v has observed everything other has: every
// entry in other is present in v and not newer than v's.
func (v VectorClock) IsNewerThan(other VectorClock) bool {
	for id, oc := range other.Entries {
		c, ok := v.Entries[id]
		if !ok || oc.After(c) {
			return false
		}
	}
	return true
}

// HasEntriesNewerThan reports whether any entry is strictly newer than
// stamp.
func (v VectorClock) HasEntriesNewerThan(stamp LamportClock) bool {
	for _, c := range v.Entries {
		if c.After(stamp) {
			return true
		}
	}
	return false
}

// MaxEntry returns the newest entry. ok is false for an empty clock.
func (v VectorClock) MaxEntry() (newest LamportClock, ok bool) {
	for _, c := range v.Entries {
		if !ok || c.After(newest) {
			newest, ok = c, true
		}
	}
	return newest, ok
}

// CollapseEntries drops every entry whose id is not in allow and folds the
// newest dropped clock into the entry for collapseID. The collapse entry
// ends up at least as new as anything it absorbed. Callers must not collapse
// writers whose causality still matters.
func (v *VectorClock) CollapseEntries(allow []ClockID, collapseID ClockID) {
	keep := make(map[ClockID]struct{}, len(allow)+1)
	for _, id := range allow {
		keep[id] = struct{}{}
	}
	keep[collapseID] = struct{}{}

	var folded LamportClock
	var found bool
	for id, c := range v.Entries {
		if _, ok := keep[id]; ok {
			continue
		}
		if !found || c.After(folded) {
			folded, found = c, true
		}
		delete(v.Entries, id)
	}
	if !found {
		return
	}

	if existing, ok := v.Entries[collapseID]; !ok || folded.After(existing) {
		v.Entries[collapseID] = folded
	}
}
