// Package advisor estimates how much RAM a query will touch and picks the
// smallest pool whose per-member memory comfortably fits that estimate.
//
// # Why EXPLAIN, not a cost model
//
// Rather than modelling the query planner's cost estimates, the advisor
// parses the column footprint directly out of EXPLAIN's physical plan: it
// looks for the sql.bind(...) calls that name the schema/table/column a
// scan will touch, then sums each touched column's on-disk size (including
// indexes and imprints) from a storage snapshot. This tracks what the
// engine will actually have to pull into memory far more directly than a
// generic cardinality-based cost model would, at the price of being
// specific to this one query engine's EXPLAIN output format.
//
// # Concurrency
//
// Advisor and Storage are both read-only once built; they are safe for
// concurrent Estimate/Advise calls. The backend builds its Storage with
// FetchStorage from one goroutine at a time (its lazily-initialized
// singleflight path guarantees this).
package advisor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mdbconductor/conductor/internal/sqlconn"
)

// columnKey identifies one column by its schema-qualified name.
type columnKey struct {
	Schema string
	Table  string
	Column string
}

// Storage holds the on-disk footprint (bytes) of every column the engine
// knows about, as reported by sys.storage(). It is a point-in-time
// snapshot; callers that want fresh sizes must call FetchStorage again.
type Storage struct {
	sizes map[columnKey]int64
}

// storageQuery sizes a column as storage plus every auxiliary structure
// (heap, hash, imprints, order index) that would also need to be paged in
// to serve it.
const storageQuery = `SELECT "schema", "table", "column", ` +
	`"columnsize" + "heapsize" + "hashes" + "imprints" + "orderidx" AS colsize ` +
	`FROM sys.storage()`

// FetchStorage runs the storage probe query over conn and returns the
// resulting per-column size snapshot.
func FetchStorage(ctx context.Context, conn sqlconn.Conn) (*Storage, error) {
	rows, err := conn.Query(ctx, storageQuery)
	if err != nil {
		return nil, fmt.Errorf("advisor: query storage: %w", err)
	}
	defer rows.Close()

	s := &Storage{sizes: make(map[columnKey]int64)}
	for rows.Next() {
		var schema, table, column string
		var size int64
		if err := rows.Scan(&schema, &table, &column, &size); err != nil {
			return nil, fmt.Errorf("advisor: scan storage row: %w", err)
		}
		if size < 0 {
			return nil, fmt.Errorf("advisor: column %s.%s.%s has negative size %d", schema, table, column, size)
		}
		s.sizes[columnKey{schema, table, column}] = size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("advisor: iterate storage rows: %w", err)
	}
	return s, nil
}

// ColumnSize returns the known on-disk size of schema.table.column and
// whether it was found.
func (s *Storage) ColumnSize(schema, table, column string) (int64, bool) {
	size, ok := s.sizes[columnKey{schema, table, column}]
	return size, ok
}

// Count returns the number of columns this snapshot has sizes for.
func (s *Storage) Count() int {
	return len(s.sizes)
}

// bindPattern matches the sql.bind(schema, table, column, ...) calls that
// appear in a physical plan line for a table scan. Captures are the three
// quoted or bare identifiers that open the call's argument list, matching
// the argument order MonetDB's relational optimizer emits them in.
var bindPattern = regexp.MustCompile(`sql\.bind\(\s*"?([A-Za-z_][\w]*)"?\s*,\s*"?([A-Za-z_][\w]*)"?\s*,\s*"?([A-Za-z_][\w]*)"?`)

// Advisor picks the cheapest pool that can hold a query's estimated
// working set.
type Advisor struct {
	conn    sqlconn.Conn
	storage *Storage
}

// New builds an Advisor that runs EXPLAIN through conn and sizes columns
// from storage.
func New(conn sqlconn.Conn, storage *Storage) *Advisor {
	return &Advisor{conn: conn, storage: storage}
}

// Estimate runs "EXPLAIN <query>" and sums the on-disk size of every
// distinct column the physical plan binds to a scan. Columns referenced
// more than once (e.g. in a join) are only counted once, since the engine
// only needs to page each column's data in a single time.
func (a *Advisor) Estimate(ctx context.Context, query string) (int64, error) {
	rows, err := a.conn.Query(ctx, "EXPLAIN "+query)
	if err != nil {
		return 0, fmt.Errorf("advisor: explain query: %w", err)
	}
	defer rows.Close()

	seen := make(map[columnKey]struct{})
	var total int64
	for rows.Next() {
		cols := make([]string, len(rows.Columns()))
		dest := make([]any, len(cols))
		for i := range cols {
			dest[i] = &cols[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return 0, fmt.Errorf("advisor: scan explain row: %w", err)
		}
		line := strings.Join(cols, " ")
		m := bindPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := columnKey{Schema: m[1], Table: m[2], Column: m[3]}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		size, ok := a.storage.ColumnSize(key.Schema, key.Table, key.Column)
		if !ok {
			continue // a column the storage snapshot hasn't seen yet; ignore rather than fail the whole estimate
		}
		total += size
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("advisor: iterate explain rows: %w", err)
	}
	return total, nil
}

// PoolSpec is one candidate pool an Advise call may route a query to.
type PoolSpec struct {
	Name      string
	MemoryMiB int64
}

// Advise estimates query's footprint and returns the name of the smallest
// pool, by memory, whose per-member RAM is more than double the estimate --
// the extra headroom is for the query's intermediate results, which can
// exceed the size of the columns it scans. Pools are considered in
// ascending (memory, name) order so ties resolve deterministically. If no
// pool has enough headroom, the largest pool is returned as a last resort.
func (a *Advisor) Advise(ctx context.Context, query string, pools []PoolSpec) (string, error) {
	total, err := a.Estimate(ctx, query)
	if err != nil {
		return "", err
	}
	return PickPool(total, pools)
}

// PickPool applies the pool-selection half of Advise to an
// already-known byte estimate, without running EXPLAIN. Callers that
// have a cached estimate for a query can skip straight to this instead
// of paying for a fresh EXPLAIN round-trip.
func PickPool(estimatedBytes int64, pools []PoolSpec) (string, error) {
	if len(pools) == 0 {
		return "", fmt.Errorf("advisor: no pools to choose from")
	}

	sorted := make([]PoolSpec, len(pools))
	copy(sorted, pools)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MemoryMiB != sorted[j].MemoryMiB {
			return sorted[i].MemoryMiB < sorted[j].MemoryMiB
		}
		return sorted[i].Name < sorted[j].Name
	})

	bytesAvailable := func(mib int64) int64 { return mib * 1024 * 1024 }
	for _, p := range sorted {
		if estimatedBytes*2 < bytesAvailable(p.MemoryMiB) {
			return p.Name, nil
		}
	}
	return sorted[len(sorted)-1].Name, nil
}
