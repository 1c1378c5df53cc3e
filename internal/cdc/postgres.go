package cdc

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/bryonbaker/s3gc/internal/models"
)

const postgresPublicationName = "s3gc_watch"

// PostgresSource streams row events from a Postgres logical replication
// slot using the pgoutput plugin.
type PostgresSource struct {
	connString string
	bucket     string
	tables     []string
	conn       *pgconn.PgConn
	relations  map[uint32]*pglogrepl.RelationMessage
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource builds a PostgresSource against connString, watching
// the given tables. bucket is folded into the deterministic slot name.
func NewPostgresSource(connString, bucket string, watched []models.WatchedColumn) *PostgresSource {
	seen := make(map[string]bool)
	var tables []string
	for _, c := range watched {
		if !seen[c.Table] {
			seen[c.Table] = true
			tables = append(tables, c.Table)
		}
	}
	return &PostgresSource{
		connString: connString,
		bucket:     bucket,
		tables:     tables,
		relations:  make(map[uint32]*pglogrepl.RelationMessage),
	}
}

// SlotName returns the deterministic replication slot name for this
// source: s3gc_<bucket>_<sha1(process identity)[:8]>. It must be created by
// the operator ahead of time. A missing slot makes Run return an error,
// which the Ingester retries with backoff like any other disconnect; it
// does not stop the process.
func (p *PostgresSource) SlotName() string {
	identity, err := os.Hostname()
	if err != nil || identity == "" {
		identity = "s3gc"
	}
	sum := sha1.Sum([]byte(identity))
	return fmt.Sprintf("s3gc_%s_%x", p.bucket, sum[:4])
}

// Run connects to the replication slot and streams decoded row events to
// out until ctx is cancelled or the connection is lost.
func (p *PostgresSource) Run(ctx context.Context, startCursor string, out chan<- RawEvent) error {
	conn, err := pgconn.Connect(ctx, p.connString)
	if err != nil {
		return fmt.Errorf("cdc: connect postgres replication: %w", err)
	}
	p.conn = conn
	defer conn.Close(ctx)

	sysIdent, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("cdc: identify system: %w", err)
	}

	startLSN := sysIdent.XLogPos
	if startCursor != "" {
		parsed, err := pglogrepl.ParseLSN(startCursor)
		if err != nil {
			return fmt.Errorf("cdc: parse checkpoint lsn %q: %w", startCursor, err)
		}
		startLSN = parsed
	}

	slot := p.SlotName()
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", postgresPublicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("cdc: start replication on slot %q (does it exist?): %w", slot, err)
	}

	clientXLogPos := startLSN
	standbyDeadline := time.Now().Add(10 * time.Second)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Now().After(standbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				return fmt.Errorf("cdc: send standby status update: %w", err)
			}
			standbyDeadline = time.Now().Add(10 * time.Second)
		}

		recvCtx, cancel := context.WithTimeout(ctx, 11*time.Second)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("cdc: receive replication message: %w", err)
		}

		cpy, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch cpy.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cpy.Data[1:])
			if err != nil {
				return fmt.Errorf("cdc: parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				standbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cpy.Data[1:])
			if err != nil {
				return fmt.Errorf("cdc: parse xlog data: %w", err)
			}
			if xld.WALStart+pglogrepl.LSN(len(xld.WALData)) > clientXLogPos {
				clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			}
			if err := p.handleMessage(ctx, xld, out); err != nil {
				return err
			}
		}
	}
}

func (p *PostgresSource) handleMessage(ctx context.Context, xld pglogrepl.XLogData, out chan<- RawEvent) error {
	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("cdc: decode pgoutput message: %w", err)
	}

	cursor := xld.WALStart.String()

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		p.relations[m.RelationID] = m

	case *pglogrepl.InsertMessage:
		rel, ok := p.relations[m.RelationID]
		if !ok || !p.watching(rel.RelationName) {
			return nil
		}
		return emit(ctx, out, RawEvent{
			Table:  rel.RelationName,
			Op:     OpInsert,
			New:    decodeTuple(rel, m.Tuple),
			Cursor: cursor,
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := p.relations[m.RelationID]
		if !ok || !p.watching(rel.RelationName) {
			return nil
		}
		return emit(ctx, out, RawEvent{
			Table:  rel.RelationName,
			Op:     OpUpdate,
			Old:    decodeTuple(rel, m.OldTuple),
			New:    decodeTuple(rel, m.NewTuple),
			Cursor: cursor,
		})

	case *pglogrepl.DeleteMessage:
		rel, ok := p.relations[m.RelationID]
		if !ok || !p.watching(rel.RelationName) {
			return nil
		}
		return emit(ctx, out, RawEvent{
			Table:  rel.RelationName,
			Op:     OpDelete,
			Old:    decodeTuple(rel, m.OldTuple),
			Cursor: cursor,
		})
	}

	return nil
}

func (p *PostgresSource) watching(table string) bool {
	for _, t := range p.tables {
		if t == table {
			return true
		}
	}
	return false
}

func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]string {
	if tuple == nil {
		return nil
	}
	row := make(map[string]string, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		if col.DataType == pglogrepl.TupleDataTypeText {
			row[rel.Columns[i].Name] = string(col.Data)
		}
	}
	return row
}

func emit(ctx context.Context, out chan<- RawEvent, ev RawEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Ack advances the replication slot to cursor so the server may reclaim
// WAL. cursor is a pglogrepl.LSN string as produced in RawEvent.Cursor.
func (p *PostgresSource) Ack(ctx context.Context, cursor string) error {
	if p.conn == nil || cursor == "" {
		return nil
	}
	lsn, err := pglogrepl.ParseLSN(cursor)
	if err != nil {
		return fmt.Errorf("cdc: parse ack cursor %q: %w", cursor, err)
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, p.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn})
}

func (p *PostgresSource) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close(context.Background())
}
