package fetch

import (
	"context"

	"github.com/hotdata-dev/rivetdb"
)

// NativeFetcher dispatches discovery and fetch to the in-process drivers.
type NativeFetcher struct {
	resolver rivetdb.SecretResolver
}

var _ rivetdb.DataFetcher = (*NativeFetcher)(nil)

// NewNativeFetcher creates a fetcher resolving credentials through resolver.
func NewNativeFetcher(resolver rivetdb.SecretResolver) *NativeFetcher {
	return &NativeFetcher{resolver: resolver}
}

func (f *NativeFetcher) DiscoverTables(ctx context.Context, source *rivetdb.Source) ([]rivetdb.TableMetadata, error) {
	switch source.Type {
	case rivetdb.SourceTypePostgres:
		return discoverPostgresTables(ctx, source, f.resolver)
	case rivetdb.SourceTypeDuckDB, rivetdb.SourceTypeMotherduck:
		return discoverDuckDBTables(ctx, source, f.resolver)
	default:
		return nil, rivetdb.NewFetchError(rivetdb.FetchErrUnsupportedDriver, nil, "%s", source.Type)
	}
}

func (f *NativeFetcher) FetchTable(ctx context.Context, source *rivetdb.Source, catalogName *string, schema, table string, w rivetdb.BatchWriter) error {
	switch source.Type {
	case rivetdb.SourceTypePostgres:
		return fetchPostgresTable(ctx, source, f.resolver, schema, table, w)
	case rivetdb.SourceTypeDuckDB, rivetdb.SourceTypeMotherduck:
		return fetchDuckDBTable(ctx, source, f.resolver, catalogName, schema, table, w)
	default:
		return rivetdb.NewFetchError(rivetdb.FetchErrUnsupportedDriver, nil, "%s", source.Type)
	}
}
