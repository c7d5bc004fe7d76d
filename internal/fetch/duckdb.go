package fetch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/hotdata-dev/rivetdb"
)

const duckDiscoverySQL = `
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

// duckTypeToArrow maps DuckDB type names into the Arrow type system.
// Unknown types fall back to Utf8.
func duckTypeToArrow(duckType string) arrow.DataType {
	upper := strings.ToUpper(duckType)
	switch {
	case upper == "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case upper == "TINYINT" || upper == "SMALLINT":
		return arrow.PrimitiveTypes.Int16
	case upper == "INTEGER":
		return arrow.PrimitiveTypes.Int32
	case upper == "BIGINT":
		return arrow.PrimitiveTypes.Int64
	case upper == "FLOAT" || upper == "REAL":
		return arrow.PrimitiveTypes.Float32
	case upper == "DOUBLE":
		return arrow.PrimitiveTypes.Float64
	case strings.HasPrefix(upper, "DECIMAL"):
		var precision, scale int32
		if _, err := fmt.Sscanf(upper, "DECIMAL(%d,%d)", &precision, &scale); err == nil {
			return &arrow.Decimal128Type{Precision: precision, Scale: scale}
		}
		return &arrow.Decimal128Type{Precision: 38, Scale: 10}
	case upper == "VARCHAR" || strings.HasPrefix(upper, "VARCHAR("):
		return arrow.BinaryTypes.String
	case upper == "BLOB":
		return arrow.BinaryTypes.Binary
	case upper == "DATE":
		return arrow.FixedWidthTypes.Date32
	case upper == "TIME":
		return arrow.FixedWidthTypes.Time64us
	case upper == "TIMESTAMP":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case upper == "TIMESTAMP WITH TIME ZONE" || upper == "TIMESTAMPTZ":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case upper == "INTERVAL":
		return arrow.FixedWidthTypes.MonthDayNanoInterval
	default:
		return arrow.BinaryTypes.String
	}
}

// duckDSN builds the driver DSN for a duckdb or motherduck source. The
// motherduck token is a credential and must only be used inside a resolve
// closure.
func duckDSN(source *rivetdb.Source, secret string) (string, error) {
	dsn, err := source.ConnString(secret)
	if err != nil {
		return "", rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "build dsn")
	}
	if source.Type == rivetdb.SourceTypeDuckDB {
		// Attach upstream files read-only so a refresh can never write back.
		dsn += "?access_mode=read_only"
	}
	return dsn, nil
}

func discoverDuckDBTables(ctx context.Context, source *rivetdb.Source, resolver rivetdb.SecretResolver) ([]rivetdb.TableMetadata, error) {
	var tables []rivetdb.TableMetadata
	err := source.WithResolvedCredential(ctx, resolver, func(secret string) error {
		dsn, err := duckDSN(source, secret)
		if err != nil {
			return err
		}
		db, err := sql.Open("duckdb", dsn)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "open duckdb")
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrConnection, err, "duckdb %s", source.Type)
		}

		rows, err := db.QueryContext(ctx, duckDiscoverySQL)
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
				Type:            duckTypeToArrow(dataType),
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
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

func fetchDuckDBTable(ctx context.Context, source *rivetdb.Source, resolver rivetdb.SecretResolver, catalogName *string, schema, table string, w rivetdb.BatchWriter) error {
	return source.WithResolvedCredential(ctx, resolver, func(secret string) error {
		dsn, err := duckDSN(source, secret)
		if err != nil {
			return err
		}
		connector, err := duckdb.NewConnector(dsn, nil)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "open duckdb connector")
		}
		defer connector.Close()

		conn, err := connector.Connect(ctx)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrConnection, err, "duckdb %s", source.Type)
		}
		defer conn.Close()

		ar, err := duckdb.NewArrowFromConn(conn)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrDriverLoad, err, "duckdb arrow interface")
		}

		target := fmt.Sprintf("%s.%s", quoteIdent(schema), quoteIdent(table))
		if catalogName != nil && *catalogName != "" {
			target = fmt.Sprintf("%s.%s", quoteIdent(*catalogName), target)
		}
		reader, err := ar.QueryContext(ctx, "SELECT * FROM "+target)
		if err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err, "select %s", target)
		}
		defer reader.Release()

		wrote := false
		for reader.Next() {
			rec := reader.Record()
			if err := w.Write(rec); err != nil {
				return rivetdb.NewFetchError(rivetdb.FetchErrStorage, err, "write batch for %s", target)
			}
			wrote = true
		}
		if err := reader.Err(); err != nil {
			return rivetdb.NewFetchError(rivetdb.FetchErrQuery, err, "iterate %s", target)
		}
		if !wrote {
			// Surface the schema for empty tables through an empty batch.
			if sc := reader.Schema(); sc != nil {
				rec := emptyRecord(sc)
				defer rec.Release()
				if err := w.Write(rec); err != nil {
					return rivetdb.NewFetchError(rivetdb.FetchErrStorage, err, "write batch for %s", target)
				}
			}
		}
		return nil
	})
}
