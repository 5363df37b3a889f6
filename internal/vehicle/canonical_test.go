package vehicle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"large straight", "LARGE_STRAIGHT"},
		{"Large-Straight", "LARGE_STRAIGHT"},
		{"  sprinter  van ", "SPRINTER_VAN"},
		{"cargo van (ramp)", "CARGO_VAN_RAMP"},
		{"53' reefer", "53_REEFER"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
		})
	}
}

func TestTable_Canonical(t *testing.T) {
	tbl := NewTable(map[string]string{
		"lg straight":  "LARGE_STRAIGHT",
		"Sprinter Van": "SPRINTER",
	})

	// Mapped types, lookup is case- and whitespace-insensitive.
	assert.Equal(t, "LARGE_STRAIGHT", tbl.Canonical("LG  Straight"))
	assert.Equal(t, "SPRINTER", tbl.Canonical("sprinter van"))

	// Unmapped types degrade to their own normalized form.
	assert.Equal(t, "LARGE_STRAIGHT", tbl.Canonical("large straight"))
	assert.Equal(t, "BOX_TRUCK", tbl.Canonical("box truck"))
}

func TestTable_Canonical_NilTable(t *testing.T) {
	var tbl *Table
	assert.Equal(t, "CARGO_VAN", tbl.Canonical("cargo van"))
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vehicle_types.yaml")
	content := []byte("types:\n  \"large straight\": LARGE_STRAIGHT\n  \"sprinter\": SPRINTER_VAN\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	tbl, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, "LARGE_STRAIGHT", tbl.Canonical("Large Straight"))
}

func TestLoadTable_Missing(t *testing.T) {
	_, err := LoadTable(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read mapping table")
}

func TestParseTable_Invalid(t *testing.T) {
	_, err := ParseTable([]byte("types: [not, a, map]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse mapping table")
}
