// Package timezone maps source-supplied zone identifiers, including legacy
// Windows names, onto canonical IANA locations and normalizes wall-clock
// timestamps to UTC.
//
// The Windows mapping comes from the CLDR windowsZones table embedded in the
// binary. It is parsed once per process and never mutated afterwards.
// Unknown identifiers resolve to the configured fallback zone; resolution
// never fails.
package timezone

import (
	_ "embed"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

//go:embed windowsZones.xml
var windowsZonesXML []byte

// overrides win over the CLDR table (which maps W. Europe to Berlin).
var overrides = map[string]string{
	"W. Europe Standard Time": "Europe/Amsterdam",
	"tzone://Microsoft/Utc":   "UTC",
	"UTC":                     "UTC",
}

// worldTerritory selects the CLDR default mapping of a Windows zone.
const worldTerritory = "001"

type cldrDocument struct {
	Zones []struct {
		Other     string `xml:"other,attr"`
		Territory string `xml:"territory,attr"`
		Type      string `xml:"type,attr"`
	} `xml:"windowsZones>mapTimezones>mapZone"`
}

// ParseWindowsZones reads a CLDR windowsZones document and returns the
// Windows name → IANA name mapping for the world territory.
func ParseWindowsZones(data []byte) (map[string]string, error) {
	var doc cldrDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse windowsZones: %w", err)
	}
	m := make(map[string]string, len(doc.Zones))
	for _, z := range doc.Zones {
		if z.Territory != worldTerritory || z.Other == "" {
			continue
		}
		// type may list several zones; the first one is canonical.
		if fields := strings.Fields(z.Type); len(fields) > 0 {
			m[z.Other] = fields[0]
		}
	}
	return m, nil
}

var builtinMapping = sync.OnceValues(func() (map[string]string, error) {
	return ParseWindowsZones(windowsZonesXML)
})

// Resolver turns zone identifiers into locations.
type Resolver struct {
	fallback *time.Location
	windows  map[string]string

	mu    sync.RWMutex
	cache map[string]*time.Location
}

// NewResolver builds a Resolver over the embedded CLDR table. fallback must be
// a loadable IANA name; it is the only input that can make this fail.
func NewResolver(fallback string) (*Resolver, error) {
	m, err := builtinMapping()
	if err != nil {
		return nil, err
	}
	return NewResolverWithMapping(fallback, m)
}

// NewResolverWithMapping is NewResolver over a caller-supplied table.
func NewResolverWithMapping(fallback string, windows map[string]string) (*Resolver, error) {
	if fallback == "" {
		fallback = "UTC"
	}
	loc, err := time.LoadLocation(fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback timezone %q: %w", fallback, err)
	}
	return &Resolver{
		fallback: loc,
		windows:  windows,
		cache:    make(map[string]*time.Location),
	}, nil
}

// Fallback returns the zone used for unknown identifiers.
func (r *Resolver) Fallback() *time.Location {
	return r.fallback
}

// Resolve returns the canonical location for id. Overrides are consulted
// first, then the Windows table, then the IANA database.
func (r *Resolver) Resolve(id string) *time.Location {
	loc, _ := r.lookup(id)
	return loc
}

// Known reports whether id maps to a real zone rather than the fallback.
func (r *Resolver) Known(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

func (r *Resolver) lookup(id string) (*time.Location, bool) {
	id = strings.TrimSpace(id)
	if id == "" || id == "Local" {
		return r.fallback, false
	}

	r.mu.RLock()
	loc, hit := r.cache[id]
	r.mu.RUnlock()
	if hit {
		if loc == nil {
			return r.fallback, false
		}
		return loc, true
	}

	name := id
	if o, ok := overrides[id]; ok {
		name = o
	} else if w, ok := r.windows[id]; ok {
		name = w
	}

	loaded, err := time.LoadLocation(name)
	if err != nil {
		loaded = nil
	}

	r.mu.Lock()
	r.cache[id] = loaded
	r.mu.Unlock()

	if loaded == nil {
		return r.fallback, false
	}
	return loaded, true
}

var wallClockLayouts = []string{
	"2006-01-02T15:04:05",
	"20060102T150405",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102",
}

// ToUTC interprets value as a wall-clock time in zone id and returns the UTC
// instant. Values that carry their own offset or a trailing Z ignore id.
// Fractional seconds of any precision are accepted.
func (r *Resolver) ToUTC(value, id string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	if strings.HasSuffix(value, "Z") {
		if t, err := time.Parse("20060102T150405Z", value); err == nil {
			return t.UTC(), nil
		}
		value = strings.TrimSuffix(value, "Z")
		id = "UTC"
	}

	loc := r.Resolve(id)
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
