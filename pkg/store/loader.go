package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/clock"
)

// ExtractedBatch is one chunk of records an extractor hands to the Loader,
// plus the field map SchemaSynchronizer samples from (spec §2 Extractor,
// §4.5 Loader).
type ExtractedBatch struct {
	Records []map[string]any
}

// Loader writes extracted batches into a plugin's ODS table with
// version-based upsert semantics keyed by the plugin's declared order key
// (spec §4.5). Every write stamps `_version` with a monotonically
// increasing value, and the upsert replaces an existing row only when the
// incoming `_version` is newer, so the table holds the last version of each
// order key.
type Loader struct {
	pool  *pgxpool.Pool
	sync  *SchemaSynchronizer
	clock clock.Clock
}

// NewLoader constructs a Loader bound to a SchemaSynchronizer so every write
// reconciles the destination schema first (spec §4.4 "before the first
// batch of a SubTask writes to a table").
func NewLoader(pool *pgxpool.Pool, synchronizer *SchemaSynchronizer, clk clock.Clock) *Loader {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Loader{pool: pool, sync: synchronizer, clock: clk}
}

// Write reconciles the destination schema against the batch's observed
// fields, then upserts every record keyed by orderKey, stamping a fresh
// _version on each row. It returns the number of rows written (for
// SubTask.records_processed) — zero rows with a nil error is the "no data"
// outcome (spec §4.3 failure semantics).
func (l *Loader) Write(ctx context.Context, pluginName, tableName, partitionKey, orderKey, engine string, batch ExtractedBatch) (int, error) {
	if len(batch.Records) == 0 {
		return 0, nil
	}

	observed := InferColumns(batch.Records)
	schema, err := l.sync.Sync(ctx, pluginName, tableName, partitionKey, orderKey, engine, observed)
	if err != nil {
		return 0, err
	}

	version := l.clock.Now().UnixNano()
	written := 0
	for _, rec := range batch.Records {
		if err := l.upsertRow(ctx, schema, orderKey, rec, version); err != nil {
			return written, &StoreError{Table: tableName, Err: err}
		}
		written++
	}
	return written, nil
}

func (l *Loader) upsertRow(ctx context.Context, schema PluginSchema, orderKey string, rec map[string]any, version int64) error {
	columns := make([]string, 0, len(rec)+2)
	placeholders := make([]string, 0, len(rec)+2)
	values := make([]any, 0, len(rec)+2)

	orderValue, ok := rec[orderKey]
	if !ok {
		return fmt.Errorf("record missing declared order key %q", orderKey)
	}

	columns = append(columns, quoteIdent(orderKey), `"_version"`)
	placeholders = append(placeholders, "$1", "$2")
	values = append(values, fmt.Sprintf("%v", orderValue), version)

	i := 3
	for _, col := range schema.Columns {
		if col.Name == orderKey {
			continue
		}
		columns = append(columns, quoteIdent(col.Name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		values = append(values, rec[col.Name])
		i++
	}

	updateSet := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] { // everything but the order key
		updateSet = append(updateSet, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT (%s) DO UPDATE SET %s
		 WHERE %s._version < EXCLUDED._version`,
		quoteIdent(schema.TableName), joinComma(columns), joinComma(placeholders),
		quoteIdent(orderKey), joinComma(updateSet), quoteIdent(schema.TableName),
	)

	_, err := l.pool.Exec(ctx, query, values...)
	return err
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// PresentDates returns the distinct dates present in a plugin's table for
// the given date column (usually its order key), applying "last version
// wins" implicitly — a row's presence already reflects the latest upsert.
// Used by MissingDataDetector.
func PresentDates(ctx context.Context, pool *pgxpool.Pool, tableName, dateColumn string) (map[string]struct{}, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM %s`, quoteIdent(dateColumn), quoteIdent(tableName)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("querying present dates: %w", err)
	}
	defer rows.Close()

	present := make(map[string]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning present date: %w", err)
		}
		present[d] = struct{}{}
	}
	return present, rows.Err()
}
