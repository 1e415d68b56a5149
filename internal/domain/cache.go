package domain

type CacheStatus string

const (
	CacheNotCached CacheStatus = "not_cached"
	CacheCaching   CacheStatus = "caching"
	CacheCached    CacheStatus = "cached"
	CacheError     CacheStatus = "error"
)

// Busy reports whether a prefetch request for a locator in this status
// should be skipped.
func (s CacheStatus) Busy() bool {
	return s == CacheCaching || s == CacheCached
}

// StatusTable is an immutable locator -> CacheStatus mapping. Every change
// produces a new table; a table handed out is never modified afterwards.
type StatusTable struct {
	entries map[string]CacheStatus
}

// Get returns the status of locator, CacheNotCached when absent.
func (t StatusTable) Get(locator string) CacheStatus {
	if s, ok := t.entries[locator]; ok {
		return s
	}
	return CacheNotCached
}

func (t StatusTable) Len() int {
	return len(t.entries)
}

// With returns a copy of t with locator set to status. The receiver is
// returned unchanged when the entry already holds that status.
func (t StatusTable) With(locator string, status CacheStatus) StatusTable {
	if cur, ok := t.entries[locator]; ok && cur == status {
		return t
	}
	next := make(map[string]CacheStatus, len(t.entries)+1)
	for k, v := range t.entries {
		next[k] = v
	}
	next[locator] = status
	return StatusTable{entries: next}
}

// All returns a copy of the underlying mapping.
func (t StatusTable) All() map[string]CacheStatus {
	out := make(map[string]CacheStatus, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Diff returns the entries of t that differ from prev.
func (t StatusTable) Diff(prev StatusTable) map[string]CacheStatus {
	changed := make(map[string]CacheStatus)
	for k, v := range t.entries {
		if prev.Get(k) != v {
			changed[k] = v
		}
	}
	return changed
}

// Equal reports whether both tables hold the same entries.
func (t StatusTable) Equal(o StatusTable) bool {
	if len(t.entries) != len(o.entries) {
		return false
	}
	for k, v := range t.entries {
		if ov, ok := o.entries[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
