package storage

import "time"

// Policy is the retention rule shared by every backend: records with a
// response code below 400 live normalDays, records at or above 400 live
// errorDays. Both backends derive their behavior from the same two cutoff
// instants so the file rewrite and the SQL bulk delete cannot drift.
type Policy struct {
	NormalBefore time.Time // code < 400, created before this, is stale
	ErrorBefore  time.Time // code >= 400, created before this, is stale
}

// NewPolicy computes both cutoffs from day counts relative to now.
func NewPolicy(normalDays, errorDays int, now time.Time) Policy {
	return Policy{
		NormalBefore: now.AddDate(0, 0, -normalDays),
		ErrorBefore:  now.AddDate(0, 0, -errorDays),
	}
}

// Keep reports whether a record with the given response code and creation
// time survives cleanup. Preserved records always survive; only the
// relational backend passes preserved=true.
func (p Policy) Keep(responseCode int, createdAt time.Time, preserved bool) bool {
	if preserved {
		return true
	}
	if responseCode >= 400 {
		return !createdAt.Before(p.ErrorBefore)
	}
	return !createdAt.Before(p.NormalBefore)
}
