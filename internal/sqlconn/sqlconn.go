// Package sqlconn is the external collaborator the conductor core talks to
// in order to actually run SQL against a minion: it owns the wire protocol,
// URL addressing scheme, and connection lifecycle. Nothing outside this
// package knows or cares that the wire format happens to be MonetDB's MAPI
// protocol; callers only see the Connector/Conn/Rows interfaces.
package sqlconn

import "context"

// Rows is a forward-only cursor over a query's result set.
type Rows interface {
	// Next advances to the next row, returning false at end of results or
	// on error (check Err after Next returns false).
	Next() bool
	// Scan copies the current row's columns into dest, in order.
	Scan(dest ...any) error
	// Columns returns the result set's column names, in order.
	Columns() []string
	// Err returns the first error encountered during iteration, if any.
	Err() error
	Close() error
}

// Conn is a single connection to one minion's SQL endpoint.
type Conn interface {
	Query(ctx context.Context, query string) (Rows, error)
	Close() error
}

// Connector addresses a database: it knows enough (host, port, database
// name, credentials) to dial a Conn, and can be copied with a different
// host so the same template can be pointed at any minion in a pool.
type Connector interface {
	// Connect dials the addressed database and returns a live Conn.
	Connect(ctx context.Context) (Conn, error)
	// URL returns the connector's address in "mapi:monetdb://..." form.
	URL() string
	// WithHost returns a copy of this connector addressed at a different
	// host, keeping database name, credentials, and port template intact.
	WithHost(host string) (Connector, error)
}
