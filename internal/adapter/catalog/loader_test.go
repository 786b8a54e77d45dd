package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"github.com/guillermoBallester/querywatch/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	f, err := LoadFromFile(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Queries, 4)
	require.Len(t, f.Indexes, 5)
	assert.Equal(t, "User Login", f.Queries[0].Label)
	assert.Equal(t, []string{"order_items"}, f.Queries[3].Tables)
	assert.Equal(t, 23.1, f.Indexes[2].SizeMB)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading catalog file")
}

func TestParse_Empty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Queries)
	assert.Empty(t, f.Indexes)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{"unknown key", "queries:\n  - id: q\n    text: SELECT 1\n", "field text not found"},
		{"empty query id", "queries:\n  - label: nameless\n", "queries[0].id must not be empty"},
		{"duplicate query", "queries:\n  - id: q\n  - id: q\n", "duplicate id"},
		{"index without columns", "indexes:\n  - table: t\n    name: i\n", "columns"},
		{"negative size", "indexes:\n  - table: t\n    name: i\n    columns: [a]\n    size_mb: -1\n", "size_mb"},
		{"duplicate index", "indexes:\n  - {table: t, name: i, columns: [a]}\n  - {table: public.T, name: i, columns: [b]}\n", "duplicate index"},
		{"bad yaml", "queries: [", "parsing catalog YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestApply(t *testing.T) {
	f, err := LoadFromFile(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)

	c := service.NewCatalog()
	require.NoError(t, f.Apply(c, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))

	q, ok := c.Query("product_search")
	require.True(t, ok)
	assert.Equal(t, []string{"products"}, q.Tables)
	assert.Equal(t, []string{"products"}, c.Tables("product_search"))
	assert.Len(t, c.Indexes(), 5)
	assert.Len(t, c.Queries(), 4)
}

func TestApply_RejectsUnparseableSQL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queries:\n  - id: ins\n    sql: INSERT INTO t VALUES (1)\n"), 0o600))
	f, err := LoadFromFile(path)
	require.NoError(t, err)

	err = f.Apply(service.NewCatalog(), time.Now())
	require.ErrorIs(t, err, domain.ErrUnsupportedQuery)
}
