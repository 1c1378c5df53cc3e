package cdc

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/schema"
	gomysql "github.com/go-sql-driver/mysql"

	"github.com/bryonbaker/s3gc/internal/models"
)

// MySQLSource streams row events from MySQL row-based binlog, filtered to
// the watched tables, using go-mysql-org/go-mysql's canal streamer (which
// handles RotateEvent transparently, per the ingester's tolerance
// requirement).
type MySQLSource struct {
	dsn    string
	tables []string
	c      *canal.Canal
}

var _ Source = (*MySQLSource)(nil)

// NewMySQLSource builds a MySQLSource against dsn ("user:pass@tcp(host:port)/db"),
// watching the given tables.
func NewMySQLSource(dsn string, watched []models.WatchedColumn) *MySQLSource {
	seen := make(map[string]bool)
	var tables []string
	for _, col := range watched {
		if !seen[col.Table] {
			seen[col.Table] = true
			tables = append(tables, col.Table)
		}
	}
	return &MySQLSource{dsn: dsn, tables: tables}
}

// Run connects to the binlog stream and streams decoded row events to out
// until ctx is cancelled or the connection is lost.
func (m *MySQLSource) Run(ctx context.Context, startCursor string, out chan<- RawEvent) error {
	dsnCfg, err := gomysql.ParseDSN(m.dsn)
	if err != nil {
		return fmt.Errorf("cdc: parse mysql dsn: %w", err)
	}

	cfg := canal.NewDefaultConfig()
	cfg.Addr = dsnCfg.Addr
	cfg.User = dsnCfg.User
	cfg.Password = dsnCfg.Passwd
	cfg.Dump.ExecutionPath = "" // never dump a snapshot, only stream the live binlog
	cfg.IncludeTableRegex = tableRegexes(dsnCfg.DBName, m.tables)

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return fmt.Errorf("cdc: create canal: %w", err)
	}
	m.c = c

	c.SetEventHandler(&rowHandler{ctx: ctx, canal: c, out: out, tables: m.tables})

	runErr := make(chan error, 1)
	if startCursor != "" {
		pos, err := parseMySQLCursor(startCursor)
		if err != nil {
			return fmt.Errorf("cdc: parse checkpoint %q: %w", startCursor, err)
		}
		go func() { runErr <- c.RunFrom(pos) }()
	} else {
		go func() { runErr <- c.Run() }()
	}

	select {
	case <-ctx.Done():
		c.Close()
		return nil
	case err := <-runErr:
		return err
	}
}

// Ack is a no-op: MySQL checkpoint acknowledgement happens implicitly by
// persisting the cursor in the registry, per spec (Postgres alone needs an
// explicit upstream ack to release WAL).
func (m *MySQLSource) Ack(ctx context.Context, cursor string) error {
	return nil
}

func (m *MySQLSource) Close() error {
	if m.c == nil {
		return nil
	}
	m.c.Close()
	return nil
}

// rowHandler adapts canal's row-event callbacks into RawEvents on out.
type rowHandler struct {
	canal.DummyEventHandler
	ctx    context.Context
	canal  *canal.Canal
	out    chan<- RawEvent
	tables []string
}

func (h *rowHandler) String() string { return "s3gcRowHandler" }

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	if !h.watching(e.Table.Name) {
		return nil
	}

	pos := h.canal.SyncedPosition()
	cursor := fmt.Sprintf("%s:%d", pos.Name, pos.Pos)

	switch e.Action {
	case canal.InsertAction:
		for _, row := range e.Rows {
			if err := h.emit(RawEvent{Table: e.Table.Name, Op: OpInsert, New: rowToMap(e.Table, row), Cursor: cursor}); err != nil {
				return err
			}
		}

	case canal.DeleteAction:
		for _, row := range e.Rows {
			if err := h.emit(RawEvent{Table: e.Table.Name, Op: OpDelete, Old: rowToMap(e.Table, row), Cursor: cursor}); err != nil {
				return err
			}
		}

	case canal.UpdateAction:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			ev := RawEvent{
				Table:  e.Table.Name,
				Op:     OpUpdate,
				Old:    rowToMap(e.Table, e.Rows[i]),
				New:    rowToMap(e.Table, e.Rows[i+1]),
				Cursor: cursor,
			}
			if err := h.emit(ev); err != nil {
				return err
			}
		}
	}

	return nil
}

func (h *rowHandler) emit(ev RawEvent) error {
	select {
	case h.out <- ev:
		return nil
	case <-h.ctx.Done():
		return nil
	}
}

func (h *rowHandler) watching(table string) bool {
	for _, t := range h.tables {
		if t == table {
			return true
		}
	}
	return false
}

func rowToMap(table *schema.Table, row []interface{}) map[string]string {
	out := make(map[string]string, len(table.Columns))
	for i, col := range table.Columns {
		if i >= len(row) || row[i] == nil {
			continue
		}
		out[col.Name] = fmt.Sprintf("%v", row[i])
	}
	return out
}

func tableRegexes(dbName string, tables []string) []string {
	var patterns []string
	for _, t := range tables {
		patterns = append(patterns, fmt.Sprintf("%s\\.%s", regexp.QuoteMeta(dbName), regexp.QuoteMeta(t)))
	}
	return patterns
}

func parseMySQLCursor(cursor string) (mysql.Position, error) {
	idx := strings.LastIndex(cursor, ":")
	if idx < 0 {
		return mysql.Position{}, fmt.Errorf("malformed cursor %q", cursor)
	}
	pos, err := strconv.ParseUint(cursor[idx+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, err
	}
	return mysql.Position{Name: cursor[:idx], Pos: uint32(pos)}, nil
}
