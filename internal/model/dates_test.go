package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"2024-06-02", "2024-06-02", true},
		{"2024-06-02T14:30:00Z", "2024-06-02", true},
		{"06/02/2024", "2024-06-02", true},
		{"6/2/2024", "2024-06-02", true},
		{"Jun 2, 2024", "2024-06-02", true},
		{"  2024-06-02  ", "2024-06-02", true},
		{"", "", false},
		{"ASAP", "", false},
		{"2024-13-45", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseDate(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.Format("2006-01-02"))
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestPickupDeadline_ExplicitExpiryWins(t *testing.T) {
	exp := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	o := &LoadOffer{PickupDate: "2024-06-02", ExpiresAt: &exp}
	d := o.PickupDeadline()
	require.NotNil(t, d)
	assert.Equal(t, exp, *d)
}

func TestPickupDeadline_DerivedFromPickupDate(t *testing.T) {
	o := &LoadOffer{PickupDate: "2024-06-02"}
	d := o.PickupDeadline()
	require.NotNil(t, d)
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), *d)
}

func TestPickupDeadline_NoneAvailable(t *testing.T) {
	o := &LoadOffer{PickupDate: "flexible"}
	assert.Nil(t, o.PickupDeadline())
}
