package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketcore/platform/pkg/clock"
)

// widenOrder ranks column types from narrowest to widest so SchemaSynchronizer
// can decide whether an observed value requires widening (spec §4.4 step 5:
// "integer -> float"). "string" is the universal fallback for anything
// ambiguous.
var widenOrder = map[string]int{
	"bool":   0,
	"int":    1,
	"float":  2,
	"string": 3,
}

// SchemaSynchronizer reconciles a plugin's destination table against the
// fields actually observed in its extracted payloads, issuing ADD COLUMN /
// MODIFY COLUMN DDL as needed and recording every change in schema_audit
// (spec §4.4). DDL for a given table is serialized via a per-table mutex to
// prevent concurrent widening races (spec §4.4 step 6).
type SchemaSynchronizer struct {
	pool  *pgxpool.Pool
	clock clock.Clock

	tableLocks sync.Map // table name -> *sync.Mutex
}

// NewSchemaSynchronizer constructs a SchemaSynchronizer over an existing pool.
func NewSchemaSynchronizer(pool *pgxpool.Pool, clk clock.Clock) *SchemaSynchronizer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SchemaSynchronizer{pool: pool, clock: clk}
}

func (s *SchemaSynchronizer) lockFor(table string) *sync.Mutex {
	l, _ := s.tableLocks.LoadOrStore(table, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// InferColumns samples a batch of extracted records and determines, for
// each field, the widest type observed across the sample (spec §4.4 step 1).
func InferColumns(records []map[string]any) []ColumnDecl {
	widest := make(map[string]string)
	nullable := make(map[string]bool)
	order := make([]string, 0)
	seen := make(map[string]struct{})

	for _, rec := range records {
		for field, value := range rec {
			if _, ok := seen[field]; !ok {
				seen[field] = struct{}{}
				order = append(order, field)
			}
			t := inferType(value)
			if value == nil {
				nullable[field] = true
				continue
			}
			if cur, ok := widest[field]; !ok || widenOrder[t] > widenOrder[cur] {
				widest[field] = t
			}
		}
	}

	cols := make([]ColumnDecl, 0, len(order))
	for _, field := range order {
		t := widest[field]
		if t == "" {
			t = "string" // field was present only as null across the sample
		}
		cols = append(cols, ColumnDecl{Name: field, Type: t, Nullable: nullable[field]})
	}
	return cols
}

func inferType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	default:
		return "string"
	}
}

func sqlType(t string) string {
	switch t {
	case "bool":
		return "BOOLEAN"
	case "int":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// Sync reconciles the table for plugin against observed, bringing the
// persisted schema up to date and returning it. It is idempotent: syncing
// the same observed columns twice issues no DDL the second time and
// appends no new audit rows (spec §8 "Schema widening idempotence").
func (s *SchemaSynchronizer) Sync(ctx context.Context, pluginName, tableName, partitionKey, orderKey, engine string, observed []ColumnDecl) (PluginSchema, error) {
	lock := s.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.getSchema(ctx, pluginName)
	if err != nil && err != ErrNotFound {
		return PluginSchema{}, fmt.Errorf("loading persisted schema: %w", err)
	}
	if err == ErrNotFound {
		current = PluginSchema{
			PluginName:   pluginName,
			TableName:    tableName,
			PartitionKey: partitionKey,
			OrderKey:     orderKey,
			Engine:       engine,
			Version:      1,
		}
		if err := s.createTable(ctx, current, observed); err != nil {
			return PluginSchema{}, err
		}
		current.Columns = observed
		return current, s.saveSchema(ctx, current)
	}

	byName := make(map[string]ColumnDecl, len(current.Columns))
	for _, c := range current.Columns {
		byName[c.Name] = c
	}

	changed := false
	for _, obs := range observed {
		existing, exists := byName[obs.Name]
		if !exists {
			if err := s.addColumn(ctx, tableName, obs); err != nil {
				return PluginSchema{}, err
			}
			byName[obs.Name] = obs
			current.Columns = append(current.Columns, obs)
			changed = true
			continue
		}
		if widenOrder[obs.Type] > widenOrder[existing.Type] {
			if err := s.widenColumn(ctx, tableName, existing.Name, existing.Type, obs.Type); err != nil {
				return PluginSchema{}, err
			}
			existing.Type = obs.Type
			byName[obs.Name] = existing
			for i, c := range current.Columns {
				if c.Name == existing.Name {
					current.Columns[i] = existing
				}
			}
			changed = true
		}
	}

	if changed {
		current.Version++
		if err := s.saveSchema(ctx, current); err != nil {
			return PluginSchema{}, err
		}
	}
	return current, nil
}

func (s *SchemaSynchronizer) createTable(ctx context.Context, schema PluginSchema, columns []ColumnDecl) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s`, quoteIdent(schema.TableName), orderKeyColumn(schema.OrderKey))
	for _, col := range columns {
		ddl += fmt.Sprintf(", %s %s", quoteIdent(col.Name), sqlType(col.Type))
	}
	ddl += ")"

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &StoreError{Table: schema.TableName, Err: fmt.Errorf("creating table: %w", err)}
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
		quoteIdent("idx_"+schema.TableName+"_"+schema.PartitionKey), quoteIdent(schema.TableName), quoteIdent(schema.PartitionKey))
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return &StoreError{Table: schema.TableName, Err: fmt.Errorf("creating partition index: %w", err)}
	}
	return nil
}

// orderKeyColumn declares the order-key column PRIMARY KEY so the
// ON CONFLICT target upsertRow relies on is a valid unique constraint from
// the table's very first row (Postgres 42P10 otherwise).
func orderKeyColumn(orderKey string) string {
	return fmt.Sprintf("%s TEXT PRIMARY KEY, _version BIGINT NOT NULL", quoteIdent(orderKey))
}

func (s *SchemaSynchronizer) addColumn(ctx context.Context, table string, col ColumnDecl) error {
	ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, quoteIdent(table), quoteIdent(col.Name), sqlType(col.Type))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &StoreError{Table: table, Err: fmt.Errorf("adding column %s: %w", col.Name, err)}
	}
	s.audit(ctx, table, col.Name, "ADD_COLUMN", "", col.Type, "")
	return nil
}

func (s *SchemaSynchronizer) widenColumn(ctx context.Context, table, column, from, to string) error {
	ddl := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
		quoteIdent(table), quoteIdent(column), sqlType(to), quoteIdent(column), sqlType(to))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		s.audit(ctx, table, column, "WIDEN_TYPE_FAILED", from, to, err.Error())
		return &SchemaError{Table: table, Column: column, From: from, To: to, Err: err}
	}
	s.audit(ctx, table, column, "MODIFY_COLUMN", from, to, "")
	return nil
}

func (s *SchemaSynchronizer) audit(ctx context.Context, table, column, action, oldType, newType, reason string) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schema_audit (table_name, column_name, action, old_type, new_type, at, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''))`,
		table, column, action, oldType, newType, s.clock.Now(), reason)
	if err != nil {
		slog.Error("failed to record schema audit entry", "table", table, "column", column, "action", action, "error", err)
	}
}

func (s *SchemaSynchronizer) getSchema(ctx context.Context, pluginName string) (PluginSchema, error) {
	var p PluginSchema
	var columns []byte
	err := s.pool.QueryRow(ctx, `
		SELECT plugin_name, table_name, columns, partition_key, order_key, COALESCE(engine, ''), version
		FROM plugin_schemas WHERE plugin_name = $1`, pluginName,
	).Scan(&p.PluginName, &p.TableName, &columns, &p.PartitionKey, &p.OrderKey, &p.Engine, &p.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return PluginSchema{}, ErrNotFound
		}
		return PluginSchema{}, err
	}
	if len(columns) > 0 {
		if err := json.Unmarshal(columns, &p.Columns); err != nil {
			return PluginSchema{}, fmt.Errorf("unmarshalling columns: %w", err)
		}
	}
	return p, nil
}

func (s *SchemaSynchronizer) saveSchema(ctx context.Context, p PluginSchema) error {
	columns, err := json.Marshal(p.Columns)
	if err != nil {
		return fmt.Errorf("marshalling columns: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plugin_schemas (plugin_name, table_name, columns, partition_key, order_key, engine, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (plugin_name) DO UPDATE SET
			columns = EXCLUDED.columns, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		p.PluginName, p.TableName, columns, p.PartitionKey, p.OrderKey, p.Engine, p.Version, s.clock.Now())
	return err
}

// quoteIdent double-quotes a Postgres identifier. Table/column names here
// always originate from plugin declarations and extracted field names, not
// end-user-supplied SQL, but are still quoted defensively since they flow
// into string-built DDL.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
