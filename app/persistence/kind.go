package persistence

// Kind identifies a storage backend
type Kind string

// supported backends
const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// SelectKind picks the backend from the database url setting.
// Any non-empty value selects postgres, otherwise the embedded sqlite file is used.
func SelectKind(databaseURL string) Kind {
	if databaseURL != "" {
		return KindPostgres
	}
	return KindSQLite
}
