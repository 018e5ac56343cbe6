package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"valence": 0.4, "tier": float64(1)}
	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m["tier"], out["tier"])
}

func TestJSONMapScanNil(t *testing.T) {
	var out JSONMap
	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestStringSliceRoundTrip(t *testing.T) {
	s := StringSlice{"tea", "coffee"}
	v, err := s.Value()
	require.NoError(t, err)

	var out StringSlice
	require.NoError(t, out.Scan(v))
	assert.Equal(t, s, out)
}

func TestAllTablesListsEveryEntity(t *testing.T) {
	tables := AllTables()
	assert.Len(t, tables, 11)
}
