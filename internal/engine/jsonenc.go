package engine

import (
	"encoding/base64"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// columnEncoder renders one row of one column as a JSON-marshalable value.
// Encoders are instantiated once per column per batch.
type columnEncoder func(row int) any

// newColumnEncoder picks the encoder for a column. Integers and floats stay
// numbers, decimals become numbers, timestamps become ISO-8601 UTC strings,
// binary becomes base64, and anything exotic falls back to its string form.
func newColumnEncoder(col arrow.Array) columnEncoder {
	nullable := func(fn func(row int) any) columnEncoder {
		return func(row int) any {
			if col.IsNull(row) {
				return nil
			}
			return fn(row)
		}
	}

	switch c := col.(type) {
	case *array.Boolean:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Int8:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Int16:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Int32:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Int64:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Uint8:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Uint16:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Uint32:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Uint64:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Float32:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Float64:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.String:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.LargeString:
		return nullable(func(row int) any { return c.Value(row) })
	case *array.Binary:
		return nullable(func(row int) any { return base64.StdEncoding.EncodeToString(c.Value(row)) })
	case *array.LargeBinary:
		return nullable(func(row int) any { return base64.StdEncoding.EncodeToString(c.Value(row)) })
	case *array.Date32:
		return nullable(func(row int) any { return c.Value(row).ToTime().Format("2006-01-02") })
	case *array.Time64:
		unit := c.DataType().(*arrow.Time64Type).Unit
		return nullable(func(row int) any { return c.Value(row).ToTime(unit).Format("15:04:05.999999") })
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return nullable(func(row int) any {
			return c.Value(row).ToTime(unit).UTC().Format(time.RFC3339Nano)
		})
	case *array.Decimal128:
		scale := c.DataType().(*arrow.Decimal128Type).Scale
		return nullable(func(row int) any { return c.Value(row).ToFloat64(scale) })
	default:
		return nullable(func(row int) any { return col.ValueStr(row) })
	}
}

// encodeRecords renders a record batch stream to the wire shape: column
// names plus row-major values.
func encodeRecords(schema *arrow.Schema, records []arrow.Record) ([]string, [][]any) {
	columns := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		columns[i] = schema.Field(i).Name
	}

	rows := [][]any{}
	for _, rec := range records {
		encoders := make([]columnEncoder, rec.NumCols())
		for i := 0; i < int(rec.NumCols()); i++ {
			encoders[i] = newColumnEncoder(rec.Column(i))
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			out := make([]any, len(encoders))
			for i, enc := range encoders {
				out[i] = enc(row)
			}
			rows = append(rows, out)
		}
	}
	return columns, rows
}
