package arrowschema

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdata-dev/rivetdb"
)

func TestTypeStringRoundtrip(t *testing.T) {
	types := []arrow.DataType{
		arrow.FixedWidthTypes.Boolean,
		arrow.PrimitiveTypes.Int16,
		arrow.PrimitiveTypes.Int32,
		arrow.PrimitiveTypes.Int64,
		arrow.PrimitiveTypes.Float32,
		arrow.PrimitiveTypes.Float64,
		arrow.BinaryTypes.String,
		arrow.BinaryTypes.Binary,
		arrow.FixedWidthTypes.Date32,
		arrow.FixedWidthTypes.Time64us,
		&arrow.TimestampType{Unit: arrow.Microsecond},
		&arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
		&arrow.Decimal128Type{Precision: 38, Scale: 10},
		arrow.FixedWidthTypes.MonthDayNanoInterval,
	}
	for _, dt := range types {
		s, err := TypeString(dt)
		require.NoError(t, err, "type %s", dt)
		parsed, err := TypeFromString(s)
		require.NoError(t, err, "string %q", s)
		assert.True(t, arrow.TypeEqual(dt, parsed), "%s != %s", dt, parsed)
	}
}

func TestTypeFromStringUnknown(t *testing.T) {
	_, err := TypeFromString("quaternion")
	assert.Error(t, err)
}

func TestSchemaRoundtrip(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "amount", Type: &arrow.Decimal128Type{Precision: 38, Scale: 10}, Nullable: true},
	}, nil)

	encoded, err := Marshal(schema)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.Equal(t, 3, decoded.NumFields())
	assert.Equal(t, "id", decoded.Field(0).Name)
	assert.False(t, decoded.Field(0).Nullable)
	assert.True(t, decoded.Field(1).Nullable)
	assert.True(t, arrow.TypeEqual(schema.Field(2).Type, decoded.Field(2).Type))
}

func TestFromColumnsPreservesOrder(t *testing.T) {
	cols := []rivetdb.ColumnMetadata{
		{Name: "a", Type: arrow.PrimitiveTypes.Int32, Nullable: true, OrdinalPosition: 1},
		{Name: "b", Type: arrow.BinaryTypes.String, Nullable: false, OrdinalPosition: 2},
	}
	schema := FromColumns(cols)
	require.Equal(t, 2, schema.NumFields())
	assert.Equal(t, "a", schema.Field(0).Name)
	assert.Equal(t, "b", schema.Field(1).Name)
}
