// Package geo is the enrichment collaborator boundary. Lookup is
// best-effort: a failed or empty lookup yields no location fields and must
// never block a heartbeat.
package geo

import "net"

// Location is an open bag of optional fields merged last-writer-wins into
// the device's lastLocation.
type Location struct {
	City    string  `json:"city,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

type Resolver interface {
	// Lookup returns nil when nothing is known about the address.
	Lookup(ip string) *Location
}

// NoopResolver is the default: it records the source IP only, leaving the
// geo fields for a real provider to fill in.
type NoopResolver struct{}

func (NoopResolver) Lookup(ip string) *Location {
	if net.ParseIP(ip) == nil {
		return nil
	}
	return &Location{}
}
