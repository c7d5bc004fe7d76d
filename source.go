package rivetdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Source type discriminators as they appear in config_json.
const (
	SourceTypePostgres   = "postgres"
	SourceTypeSnowflake  = "snowflake"
	SourceTypeMotherduck = "motherduck"
	SourceTypeDuckDB     = "duckdb"
)

// CredentialRef references a stored secret, or nothing for sources that
// need no credential (embedded DuckDB files).
type CredentialRef struct {
	Type string `json:"type"` // "none" | "secret_ref"
	Name string `json:"name,omitempty"`
}

const (
	CredentialNone      = "none"
	CredentialSecretRef = "secret_ref"
)

// IsSecretRef reports whether the credential points at a stored secret.
func (c CredentialRef) IsSecretRef() bool {
	return c.Type == CredentialSecretRef
}

// PostgresSource connects to an upstream PostgreSQL database.
type PostgresSource struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	User       string        `json:"user"`
	Database   string        `json:"database"`
	Credential CredentialRef `json:"credential"`
}

// SnowflakeSource connects to a Snowflake account.
type SnowflakeSource struct {
	Account    string        `json:"account"`
	User       string        `json:"user"`
	Warehouse  string        `json:"warehouse"`
	Database   string        `json:"database"`
	Role       string        `json:"role,omitempty"`
	Credential CredentialRef `json:"credential"`
}

// MotherduckSource connects to a MotherDuck database via token.
type MotherduckSource struct {
	Database   string        `json:"database"`
	Credential CredentialRef `json:"credential"`
}

// DuckDBSource attaches a local DuckDB database file.
type DuckDBSource struct {
	Path string `json:"path"`
}

// Source is a tagged union of upstream source descriptors. The Type field is
// the JSON discriminator; exactly one variant pointer is non-nil.
type Source struct {
	Type       string
	Postgres   *PostgresSource
	Snowflake  *SnowflakeSource
	Motherduck *MotherduckSource
	DuckDB     *DuckDBSource
}

// ParseSource decodes a config_json document and verifies its type tag
// matches sourceType.
func ParseSource(sourceType string, configJSON []byte) (*Source, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(configJSON, &tag); err != nil {
		return nil, NewValidationError("invalid source config: %v", err)
	}
	if tag.Type == "" {
		tag.Type = sourceType
	}
	if tag.Type != sourceType {
		return nil, NewValidationError("source config type %q does not match source_type %q", tag.Type, sourceType)
	}

	s := &Source{Type: sourceType}
	var err error
	switch sourceType {
	case SourceTypePostgres:
		s.Postgres = &PostgresSource{}
		err = json.Unmarshal(configJSON, s.Postgres)
	case SourceTypeSnowflake:
		s.Snowflake = &SnowflakeSource{}
		err = json.Unmarshal(configJSON, s.Snowflake)
	case SourceTypeMotherduck:
		s.Motherduck = &MotherduckSource{}
		err = json.Unmarshal(configJSON, s.Motherduck)
	case SourceTypeDuckDB:
		s.DuckDB = &DuckDBSource{}
		err = json.Unmarshal(configJSON, s.DuckDB)
	default:
		return nil, NewValidationError("unknown source type %q", sourceType)
	}
	if err != nil {
		return nil, NewValidationError("invalid %s source config: %v", sourceType, err)
	}
	return s, nil
}

// MarshalJSON re-emits the descriptor with its type tag.
func (s *Source) MarshalJSON() ([]byte, error) {
	var variant any
	switch s.Type {
	case SourceTypePostgres:
		variant = s.Postgres
	case SourceTypeSnowflake:
		variant = s.Snowflake
	case SourceTypeMotherduck:
		variant = s.Motherduck
	case SourceTypeDuckDB:
		variant = s.DuckDB
	default:
		return nil, fmt.Errorf("unknown source type %q", s.Type)
	}
	raw, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = s.Type
	return json.Marshal(m)
}

// UnmarshalJSON decodes by the embedded type tag.
func (s *Source) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	parsed, err := ParseSource(tag.Type, data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// Credential returns the credential reference for this source. Embedded
// DuckDB files carry none.
func (s *Source) Credential() CredentialRef {
	switch s.Type {
	case SourceTypePostgres:
		return s.Postgres.Credential
	case SourceTypeSnowflake:
		return s.Snowflake.Credential
	case SourceTypeMotherduck:
		return s.Motherduck.Credential
	default:
		return CredentialRef{Type: CredentialNone}
	}
}

// ConnString builds the driver connection string, splicing the resolved
// credential in. Every user-provided field of a URL-form connection string is
// URL-encoded; a duckdb source's path is returned unchanged. Callers must only
// invoke this inside a WithResolvedCredential closure so the plaintext never
// outlives the frame.
func (s *Source) ConnString(secret string) (string, error) {
	switch s.Type {
	case SourceTypePostgres:
		p := s.Postgres
		u := url.URL{
			Scheme: "postgres",
			Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
			Path:   "/" + p.Database,
		}
		if secret != "" {
			u.User = url.UserPassword(p.User, secret)
		} else {
			u.User = url.User(p.User)
		}
		return u.String(), nil
	case SourceTypeMotherduck:
		return fmt.Sprintf("md:%s?motherduck_token=%s",
			url.PathEscape(s.Motherduck.Database), url.QueryEscape(secret)), nil
	case SourceTypeDuckDB:
		return s.DuckDB.Path, nil
	case SourceTypeSnowflake:
		f := s.Snowflake
		q := url.Values{}
		q.Set("warehouse", f.Warehouse)
		if f.Role != "" {
			q.Set("role", f.Role)
		}
		return fmt.Sprintf("snowflake://%s@%s/%s?%s",
			url.UserPassword(f.User, secret).String(),
			url.PathEscape(f.Account), url.PathEscape(f.Database), q.Encode()), nil
	default:
		return "", fmt.Errorf("unknown source type %q", s.Type)
	}
}

// WithResolvedCredential resolves the source's credential (if any), invokes
// fn with the plaintext, and zeroes the plaintext before returning. Sources
// without a secret_ref credential invoke fn with an empty string.
func (s *Source) WithResolvedCredential(ctx context.Context, resolver SecretResolver, fn func(secret string) error) error {
	ref := s.Credential()
	if !ref.IsSecretRef() {
		return fn("")
	}
	plaintext, err := resolver.Resolve(ctx, ref.Name)
	if err != nil {
		return fmt.Errorf("resolve credential %q: %w", ref.Name, err)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	return fn(string(plaintext))
}
