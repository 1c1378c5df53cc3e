package cdc

import "github.com/bryonbaker/s3gc/internal/models"

// decodeDeltas applies the insert/update/delete decoding rule to ev for
// every watched column declared on ev.Table, preserving the within-row
// order of the delete-then-insert pair an update produces.
func decodeDeltas(ev RawEvent, watched []models.WatchedColumn) []models.Delta {
	var deltas []models.Delta

	for _, col := range watched {
		if col.Table != ev.Table {
			continue
		}

		switch ev.Op {
		case OpInsert:
			if v, ok := nonEmpty(ev.New, col.Column); ok {
				deltas = append(deltas, models.Delta{Key: v, Sign: 1, Table: col.Table, Column: col.Column})
			}

		case OpDelete:
			if v, ok := nonEmpty(ev.Old, col.Column); ok {
				deltas = append(deltas, models.Delta{Key: v, Sign: -1, Table: col.Table, Column: col.Column})
			}

		case OpUpdate:
			oldVal, oldOK := nonEmpty(ev.Old, col.Column)
			newVal, newOK := nonEmpty(ev.New, col.Column)
			if oldVal == newVal && oldOK == newOK {
				continue
			}
			if oldOK {
				deltas = append(deltas, models.Delta{Key: oldVal, Sign: -1, Table: col.Table, Column: col.Column})
			}
			if newOK {
				deltas = append(deltas, models.Delta{Key: newVal, Sign: 1, Table: col.Table, Column: col.Column})
			}
		}
	}

	return deltas
}

func nonEmpty(row map[string]string, column string) (string, bool) {
	v, ok := row[column]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
