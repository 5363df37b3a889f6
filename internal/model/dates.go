package model

import (
	"strings"
	"time"
)

// dateLayouts are the pickup/available date shapes seen from the offer
// sources, most specific first.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
}

// ParseDate parses a raw date string and truncates it to a calendar date in
// UTC. The second return is false for empty or unparseable input.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// PickupDeadline derives the expiration deadline for an offer: the explicit
// expiry when present, otherwise the end of the pickup date (UTC). Returns
// nil when neither is available.
func (o *LoadOffer) PickupDeadline() *time.Time {
	if o.ExpiresAt != nil {
		return o.ExpiresAt
	}
	if d, ok := ParseDate(o.PickupDate); ok {
		deadline := d.Add(24 * time.Hour)
		return &deadline
	}
	return nil
}
