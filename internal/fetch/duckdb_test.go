package fetch

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdata-dev/rivetdb"
)

func TestDuckTypeMapping(t *testing.T) {
	cases := map[string]arrow.DataType{
		"BOOLEAN":                  arrow.FixedWidthTypes.Boolean,
		"SMALLINT":                 arrow.PrimitiveTypes.Int16,
		"INTEGER":                  arrow.PrimitiveTypes.Int32,
		"BIGINT":                   arrow.PrimitiveTypes.Int64,
		"FLOAT":                    arrow.PrimitiveTypes.Float32,
		"DOUBLE":                   arrow.PrimitiveTypes.Float64,
		"DECIMAL(18,3)":            &arrow.Decimal128Type{Precision: 18, Scale: 3},
		"VARCHAR":                  arrow.BinaryTypes.String,
		"BLOB":                     arrow.BinaryTypes.Binary,
		"DATE":                     arrow.FixedWidthTypes.Date32,
		"TIMESTAMP":                &arrow.TimestampType{Unit: arrow.Microsecond},
		"TIMESTAMP WITH TIME ZONE": &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
		"INTERVAL":                 arrow.FixedWidthTypes.MonthDayNanoInterval,
		"STRUCT(a INTEGER)":        arrow.BinaryTypes.String,
	}
	for duckType, want := range cases {
		assert.True(t, arrow.TypeEqual(want, duckTypeToArrow(duckType)), "duckdb type %q", duckType)
	}
}

func TestDuckDSNReadOnly(t *testing.T) {
	src := &rivetdb.Source{Type: rivetdb.SourceTypeDuckDB, DuckDB: &rivetdb.DuckDBSource{Path: "/data/src.duckdb"}}
	dsn, err := duckDSN(src, "")
	require.NoError(t, err)
	assert.Equal(t, "/data/src.duckdb?access_mode=read_only", dsn)
}

func TestDuckDSNMotherduck(t *testing.T) {
	src := &rivetdb.Source{Type: rivetdb.SourceTypeMotherduck, Motherduck: &rivetdb.MotherduckSource{
		Database:   "analytics",
		Credential: rivetdb.CredentialRef{Type: rivetdb.CredentialSecretRef, Name: "md_token"},
	}}
	dsn, err := duckDSN(src, "tok123")
	require.NoError(t, err)
	assert.Equal(t, "md:analytics?motherduck_token=tok123", dsn)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, quoteIdent("orders"))
	assert.Equal(t, `"od""d"`, quoteIdent(`od"d`))
}
