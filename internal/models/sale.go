package models

import "time"

// SaleStatus is derived from wall-clock time and never persisted.
type SaleStatus string

const (
	StatusUpcoming SaleStatus = "upcoming"
	StatusActive   SaleStatus = "active"
	StatusExpired  SaleStatus = "expired"
)

// Which field was observed when a removed sale had its dates synthesized.
const (
	KnownStart = "start"
	KnownEnd   = "end"
)

// Sale is a time-boxed promotion. ID is its position in the origin's ID space.
type Sale struct {
	ID      int64
	Start   time.Time
	End     time.Time
	Removed bool
	// Known is KnownStart or KnownEnd when Start and End were collapsed from one field.
	Known string
}

// Status classifies the sale against now.
func (s Sale) Status(now time.Time) SaleStatus {
	switch {
	case now.Before(s.Start):
		return StatusUpcoming
	case now.Before(s.End):
		return StatusActive
	default:
		return StatusExpired
	}
}

// NeedsRepair reports whether the record predates start/end versioning.
func (s Sale) NeedsRepair() bool {
	return s.Start.IsZero() || s.End.IsZero()
}

// CollapseRemoved fills a removed sale's missing date from the one that is known,
// so that Start == End.
func (s *Sale) CollapseRemoved() {
	s.Removed = true
	switch {
	case s.End.IsZero() && !s.Start.IsZero():
		s.End = s.Start
		s.Known = KnownStart
	case s.Start.IsZero() && !s.End.IsZero():
		s.Start = s.End
		s.Known = KnownEnd
	}
}
