package models

import "time"

// DateTimeZone is a wall-clock value plus the zone it was expressed in, as
// remote sources report it. TimeZone may be an IANA name, a Windows name or
// empty.
type DateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// RawEvent is one record as emitted by a remote source, before validation
// and timezone normalization.
type RawEvent struct {
	ID           string
	OwnerEmail   string
	OwnerName    string
	Subject      string
	Description  string
	Start        DateTimeZone
	End          DateTimeZone
	DisplayZone  string
	LastModified time.Time
	Categories   []string
	IsCancelled  bool

	// Incomplete marks a record whose detail call failed; it is skipped.
	Incomplete bool
}

// Owner is a mailbox whose calendar is reconciled.
type Owner struct {
	ID    string
	Email string
	Name  string
}

// Page is one unit of work of a pass. Last is set on the final page of an
// owner, including the single empty page of an owner without events.
type Page struct {
	Owner   Owner
	Index   int
	Records []RawEvent
	Last    bool
}
