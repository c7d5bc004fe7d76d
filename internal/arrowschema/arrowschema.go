// Package arrowschema serializes Arrow schemas to the compact JSON form
// stored in the catalog's arrow_schema_json column.
package arrowschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hotdata-dev/rivetdb"
)

type fieldJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type schemaJSON struct {
	Fields []fieldJSON `json:"fields"`
}

// TypeString renders an Arrow DataType as its catalog string form.
func TypeString(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "bool", nil
	case *arrow.Int8Type:
		return "int8", nil
	case *arrow.Int16Type:
		return "int16", nil
	case *arrow.Int32Type:
		return "int32", nil
	case *arrow.Int64Type:
		return "int64", nil
	case *arrow.Float32Type:
		return "float32", nil
	case *arrow.Float64Type:
		return "float64", nil
	case *arrow.StringType:
		return "utf8", nil
	case *arrow.BinaryType:
		return "binary", nil
	case *arrow.Date32Type:
		return "date32", nil
	case *arrow.Time64Type:
		return "time64[us]", nil
	case *arrow.TimestampType:
		if t.TimeZone == "" {
			return "timestamp[us]", nil
		}
		return fmt.Sprintf("timestamp[us,%s]", t.TimeZone), nil
	case *arrow.Decimal128Type:
		return fmt.Sprintf("decimal128(%d,%d)", t.Precision, t.Scale), nil
	case *arrow.MonthDayNanoIntervalType:
		return "interval[mdn]", nil
	default:
		return "", fmt.Errorf("unsupported arrow type %s", dt)
	}
}

// TypeFromString parses the catalog string form back into an Arrow DataType.
func TypeFromString(s string) (arrow.DataType, error) {
	switch {
	case s == "bool":
		return arrow.FixedWidthTypes.Boolean, nil
	case s == "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case s == "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case s == "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case s == "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case s == "float32":
		return arrow.PrimitiveTypes.Float32, nil
	case s == "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case s == "utf8":
		return arrow.BinaryTypes.String, nil
	case s == "binary":
		return arrow.BinaryTypes.Binary, nil
	case s == "date32":
		return arrow.FixedWidthTypes.Date32, nil
	case s == "time64[us]":
		return arrow.FixedWidthTypes.Time64us, nil
	case s == "timestamp[us]":
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case strings.HasPrefix(s, "timestamp[us,") && strings.HasSuffix(s, "]"):
		tz := strings.TrimSuffix(strings.TrimPrefix(s, "timestamp[us,"), "]")
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: tz}, nil
	case strings.HasPrefix(s, "decimal128("):
		var precision, scale int32
		if _, err := fmt.Sscanf(s, "decimal128(%d,%d)", &precision, &scale); err != nil {
			return nil, fmt.Errorf("invalid decimal type %q", s)
		}
		return &arrow.Decimal128Type{Precision: precision, Scale: scale}, nil
	case s == "interval[mdn]":
		return arrow.FixedWidthTypes.MonthDayNanoInterval, nil
	default:
		return nil, fmt.Errorf("unknown arrow type string %q", s)
	}
}

// Marshal serializes an Arrow schema to the catalog JSON form.
func Marshal(schema *arrow.Schema) (string, error) {
	out := schemaJSON{Fields: make([]fieldJSON, 0, schema.NumFields())}
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		ts, err := TypeString(f.Type)
		if err != nil {
			return "", rivetdb.NewFetchError(rivetdb.FetchErrSchemaSerialization, err, "field %q", f.Name)
		}
		out.Fields = append(out.Fields, fieldJSON{Name: f.Name, Type: ts, Nullable: f.Nullable})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", rivetdb.NewFetchError(rivetdb.FetchErrSchemaSerialization, err, "marshal schema")
	}
	return string(data), nil
}

// Unmarshal parses the catalog JSON form back into an Arrow schema.
func Unmarshal(data string) (*arrow.Schema, error) {
	var in schemaJSON
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return nil, fmt.Errorf("parse schema json: %w", err)
	}
	fields := make([]arrow.Field, 0, len(in.Fields))
	for _, f := range in.Fields {
		dt, err := TypeFromString(f.Type)
		if err != nil {
			return nil, rivetdb.NewFetchError(rivetdb.FetchErrSchemaSerialization, err, "field %q", f.Name)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

// FromColumns builds an Arrow schema from discovered column metadata,
// preserving ordinal order.
func FromColumns(cols []rivetdb.ColumnMetadata) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}
