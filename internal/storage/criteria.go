package storage

import "time"

// Criteria filters records. Zero values mean "no constraint"; optional
// predicates that can legitimately be zero use pointers. Both backends
// must interpret a Criteria identically: the file backend filters through
// Matches, the table backend builds its WHERE clause from the same fields.
type Criteria struct {
	RequestID string
	Method    string
	Endpoint  string
	UserID    string
	Direction Direction
	Service   string

	// ResponseCode matches exactly; IsError matches code >= 400 (or < 400
	// when false).
	ResponseCode *int
	IsError      *bool

	// Half-open creation-time window [From, To).
	From *time.Time
	To   *time.Time

	// MinResponseTime keeps records at least this slow, in milliseconds.
	MinResponseTime *float64

	// Paging. Limit <= 0 means unlimited.
	Limit  int
	Offset int
}

// Matches reports whether r satisfies every predicate in c. Paging fields
// are ignored.
func (c Criteria) Matches(r *Record) bool {
	if c.RequestID != "" && r.RequestID != c.RequestID {
		return false
	}
	if c.Method != "" && r.Method != c.Method {
		return false
	}
	if c.Endpoint != "" && r.URL != c.Endpoint {
		return false
	}
	if c.UserID != "" && r.UserID != c.UserID {
		return false
	}
	if c.Direction != "" && r.Direction != c.Direction {
		return false
	}
	if c.Service != "" && r.Service != c.Service {
		return false
	}
	if c.ResponseCode != nil && r.ResponseCode != *c.ResponseCode {
		return false
	}
	if c.IsError != nil && r.IsError() != *c.IsError {
		return false
	}
	if c.From != nil && r.CreatedAt.Before(*c.From) {
		return false
	}
	if c.To != nil && !r.CreatedAt.Before(*c.To) {
		return false
	}
	if c.MinResponseTime != nil && r.ResponseTimeMS < *c.MinResponseTime {
		return false
	}
	return true
}

// page applies Limit/Offset to an already-sorted slice.
func (c Criteria) page(recs []*Record) []*Record {
	if c.Offset > 0 {
		if c.Offset >= len(recs) {
			return nil
		}
		recs = recs[c.Offset:]
	}
	if c.Limit > 0 && len(recs) > c.Limit {
		recs = recs[:c.Limit]
	}
	return recs
}
