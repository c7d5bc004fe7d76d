package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hotdata-dev/rivetdb"
	"github.com/hotdata-dev/rivetdb/internal/arrowschema"
)

// fetchBatchSize is the row-group size streamed into the parquet writer.
const fetchBatchSize = 8192

const pgDiscoverySQL = `
SELECT
    t.table_catalog,
    t.table_schema,
    t.table_name,
    t.table_type,
    c.column_name,
    c.data_type,
    c.is_nullable,
    c.ordinal_position::int
FROM information_schema.tables t
JOIN information_schema.columns c
    ON t.table_catalog = c.table_catalog
    AND t.table_schema = c.table_schema
    AND t.table_name = c.table_name
WHERE t.table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY t.table_schema, t.table_name, c.ordinal_position`

// pgTypeToArrow maps PostgreSQL type names into the Arrow type system.
// Unknown types fall back to Utf8.
func pgTypeToArrow(pgType string) arrow.DataType {
	switch strings.ToLower(pgType) {
	case "boolean", "bool":
		return arrow.FixedWidthTypes.Boolean
	case "smallint", "int2":
		return arrow.PrimitiveTypes.Int16
	case "integer", "int", "int4":
		return arrow.PrimitiveTypes.Int32
	case "bigint", "int8":
		return arrow.PrimitiveTypes.Int64
	case "real", "float4":
		return arrow.PrimitiveTypes.Float32
	case "double precision", "float8":
		return arrow.PrimitiveTypes.Float64
	case "numeric", "decimal":
		return &arrow.Decimal128Type{Precision: 38, Scale: 10}
	case "character varying", "varchar", "text", "character", "char", "bpchar":
		return arrow.BinaryTypes.String
	case "bytea":
		return arrow.BinaryTypes.Binary
	case "date":
		return arrow.FixedWidthTypes.Date32
	case "time", "time without time zone":
		return arrow.FixedWidthTypes.Time64us
	case "timestamp", "timestamp without time zone":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case "timestamp with time zone", "timestamptz":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case "interval":
		return arrow.FixedWidthTypes.MonthDayNanoInterval
	case "uuid", "json", "jsonb":
		return arrow.BinaryTypes.String
	default:
		return arrow.BinaryTypes.String
	}
}

func discoverPostgresTables(ctx context.Context, source *rivetdb.Source, resolver rivetdb.SecretResolver) ([]rivetdb.TableMetadata, error) {
	var tables []rivetdb.TableMetadata
	err := source.WithResolvedCredential(ctx, resolver, func(secret string) error {
		connString, err := source.ConnString(secret)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "build connection string")
		}
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrConnection, err, "%s", source.Postgres.Host)
		}
		defer conn.Close(ctx)

		rows, err := conn.Query(ctx, pgDiscoverySQL)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "query information_schema")
		}
		defer rows.Close()

		for rows.Next() {
			var catalogName *string
			var schema, table, tableType, colName, dataType, isNullable string
			var ordinal int
			if err := rows.Scan(&catalogName, &schema, &table, &tableType, &colName, &dataType, &isNullable, &ordinal); err != nil {
				return rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "scan column metadata")
			}

			column := rivetdb.ColumnMetadata{
				Name:            colName,
				Type:            pgTypeToArrow(dataType),
				Nullable:        strings.EqualFold(isNullable, "YES"),
				OrdinalPosition: ordinal,
			}

			if n := len(tables); n > 0 &&
				tables[n-1].SchemaName == schema && tables[n-1].TableName == table {
				tables[n-1].Columns = append(tables[n-1].Columns, column)
			} else {
				tables = append(tables, rivetdb.TableMetadata{
					CatalogName: catalogName,
					SchemaName:  schema,
					TableName:   table,
					TableType:   tableType,
					Columns:     []rivetdb.ColumnMetadata{column},
				})
			}
		}
		if err := rows.Err(); err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "iterate column metadata")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

func fetchPostgresTable(ctx context.Context, source *rivetdb.Source, resolver rivetdb.SecretResolver, schema, table string, w rivetdb.BatchWriter) error {
	return source.WithResolvedCredential(ctx, resolver, func(secret string) error {
		connString, err := source.ConnString(secret)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "build connection string")
		}
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrConnection, err, "%s", source.Postgres.Host)
		}
		defer conn.Close(ctx)

		columns, err := postgresTableColumns(ctx, conn, schema, table)
		if err != nil {
			return err
		}
		arrowSchema := arrowschema.FromColumns(columns)

		rows, err := conn.Query(ctx, fmt.Sprintf("SELECT %s FROM %s.%s",
			columnList(columns), quoteIdent(schema), quoteIdent(table)))
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err, "select %s.%s", schema, table)
		}
		defer rows.Close()

		builder := array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema)
		defer builder.Release()

		flush := func() error {
			rec := builder.NewRecord()
			defer rec.Release()
			if err := w.Write(rec); err != nil {
				return rivetdb.NewFetchError(rivetdb.FetchErrStorage, err, "write batch for %s.%s", schema, table)
			}
			return nil
		}

		pending, total := 0, 0
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err, "decode row from %s.%s", schema, table)
			}
			for i, v := range values {
				if err := appendValue(builder.Field(i), arrowSchema.Field(i).Type, v); err != nil {
					return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err,
						"column %s of %s.%s", arrowSchema.Field(i).Name, schema, table)
				}
			}
			pending++
			total++
			if pending >= fetchBatchSize {
				if err := flush(); err != nil {
					return err
				}
				pending = 0
			}
		}
		if err := rows.Err(); err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err, "iterate %s.%s", schema, table)
		}
		// An empty table still needs its schema in the snapshot.
		if pending > 0 || total == 0 {
			return flush()
		}
		return nil
	})
}

func postgresTableColumns(ctx context.Context, conn *pgx.Conn, schema, table string) ([]rivetdb.ColumnMetadata, error) {
	rows, err := conn.Query(ctx, `
SELECT column_name, data_type, is_nullable, ordinal_position::int
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "columns of %s.%s", schema, table)
	}
	defer rows.Close()

	var columns []rivetdb.ColumnMetadata
	for rows.Next() {
		var name, dataType, isNullable string
		var ordinal int
		if err := rows.Scan(&name, &dataType, &isNullable, &ordinal); err != nil {
			return nil, rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "scan columns of %s.%s", schema, table)
		}
		columns = append(columns, rivetdb.ColumnMetadata{
			Name:            name,
			Type:            pgTypeToArrow(dataType),
			Nullable:        strings.EqualFold(isNullable, "YES"),
			OrdinalPosition: ordinal,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, err, "iterate columns of %s.%s", schema, table)
	}
	if len(columns) == 0 {
		return nil, rivetdb.NewFetchError(rivetdb.FetchErrDiscovery, nil, "table %s.%s has no columns", schema, table)
	}
	return columns, nil
}

func columnList(columns []rivetdb.ColumnMetadata) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = quoteIdent(c.Name)
	}
	return strings.Join(parts, ", ")
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// appendValue appends one pgx-decoded value to the matching Arrow builder.
func appendValue(b array.Builder, dt arrow.DataType, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bldr := b.(type) {
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		bldr.Append(val)
	case *array.Int16Builder:
		switch n := v.(type) {
		case int16:
			bldr.Append(n)
		case int32:
			bldr.Append(int16(n))
		case int64:
			bldr.Append(int16(n))
		default:
			return fmt.Errorf("expected int16, got %T", v)
		}
	case *array.Int32Builder:
		switch n := v.(type) {
		case int32:
			bldr.Append(n)
		case int64:
			bldr.Append(int32(n))
		default:
			return fmt.Errorf("expected int32, got %T", v)
		}
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			bldr.Append(n)
		case int32:
			bldr.Append(int64(n))
		default:
			return fmt.Errorf("expected int64, got %T", v)
		}
	case *array.Float32Builder:
		switch n := v.(type) {
		case float32:
			bldr.Append(n)
		case float64:
			bldr.Append(float32(n))
		default:
			return fmt.Errorf("expected float32, got %T", v)
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			bldr.Append(n)
		case float32:
			bldr.Append(float64(n))
		default:
			return fmt.Errorf("expected float64, got %T", v)
		}
	case *array.StringBuilder:
		bldr.Append(stringOf(v))
	case *array.BinaryBuilder:
		raw, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected bytes, got %T", v)
		}
		bldr.Append(raw)
	case *array.Date32Builder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time, got %T", v)
		}
		bldr.Append(arrow.Date32FromTime(t))
	case *array.Time64Builder:
		switch t := v.(type) {
		case pgtype.Time:
			bldr.Append(arrow.Time64(t.Microseconds))
		case time.Time:
			midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
			bldr.Append(arrow.Time64(t.Sub(midnight).Microseconds()))
		default:
			return fmt.Errorf("expected time of day, got %T", v)
		}
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected timestamp, got %T", v)
		}
		bldr.Append(arrow.Timestamp(t.UTC().UnixMicro()))
	case *array.Decimal128Builder:
		dec, err := decimalOf(v, dt.(*arrow.Decimal128Type))
		if err != nil {
			return err
		}
		bldr.Append(dec)
	case *array.MonthDayNanoIntervalBuilder:
		iv, ok := v.(pgtype.Interval)
		if !ok {
			return fmt.Errorf("expected interval, got %T", v)
		}
		bldr.Append(arrow.MonthDayNanoInterval{
			Months:      iv.Months,
			Days:        iv.Days,
			Nanoseconds: iv.Microseconds * 1000,
		})
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case [16]byte:
		// pgx decodes uuid columns to raw bytes
		return fmt.Sprintf("%x-%x-%x-%x-%x", s[0:4], s[4:6], s[6:8], s[8:10], s[10:16])
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func decimalOf(v any, dt *arrow.Decimal128Type) (decimal128.Num, error) {
	var text string
	switch n := v.(type) {
	case pgtype.Numeric:
		val, err := n.Value()
		if err != nil {
			return decimal128.Num{}, fmt.Errorf("numeric value: %w", err)
		}
		s, ok := val.(string)
		if !ok {
			return decimal128.Num{}, fmt.Errorf("numeric value is %T", val)
		}
		text = s
	case string:
		text = n
	default:
		text = fmt.Sprint(v)
	}
	dec, err := decimal128.FromString(text, dt.Precision, dt.Scale)
	if err != nil {
		return decimal128.Num{}, fmt.Errorf("parse decimal %q: %w", text, err)
	}
	return dec, nil
}
