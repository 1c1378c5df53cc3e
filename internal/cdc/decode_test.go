package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bryonbaker/s3gc/internal/models"
)

var watchedCols = []models.WatchedColumn{
	{Table: "users", Column: "avatar_url"},
	{Table: "documents", Column: "attachment_key"},
}

func TestDecodeDeltasInsert(t *testing.T) {
	ev := RawEvent{Table: "users", Op: OpInsert, New: map[string]string{"avatar_url": "avatars/1.png"}}
	deltas := decodeDeltas(ev, watchedCols)
	assert.Equal(t, []models.Delta{{Key: "avatars/1.png", Sign: 1, Table: "users", Column: "avatar_url"}}, deltas)
}

func TestDecodeDeltasInsertEmptyValueIgnored(t *testing.T) {
	ev := RawEvent{Table: "users", Op: OpInsert, New: map[string]string{"avatar_url": ""}}
	assert.Empty(t, decodeDeltas(ev, watchedCols))
}

func TestDecodeDeltasDelete(t *testing.T) {
	ev := RawEvent{Table: "documents", Op: OpDelete, Old: map[string]string{"attachment_key": "docs/a.pdf"}}
	deltas := decodeDeltas(ev, watchedCols)
	assert.Equal(t, []models.Delta{{Key: "docs/a.pdf", Sign: -1, Table: "documents", Column: "attachment_key"}}, deltas)
}

func TestDecodeDeltasUpdateChangedValueEmitsBothSigns(t *testing.T) {
	ev := RawEvent{
		Table: "users",
		Op:    OpUpdate,
		Old:   map[string]string{"avatar_url": "avatars/old.png"},
		New:   map[string]string{"avatar_url": "avatars/new.png"},
	}
	deltas := decodeDeltas(ev, watchedCols)
	assert.Equal(t, []models.Delta{
		{Key: "avatars/old.png", Sign: -1, Table: "users", Column: "avatar_url"},
		{Key: "avatars/new.png", Sign: 1, Table: "users", Column: "avatar_url"},
	}, deltas)
}

func TestDecodeDeltasUpdateUnchangedValueEmitsNothing(t *testing.T) {
	ev := RawEvent{
		Table: "users",
		Op:    OpUpdate,
		Old:   map[string]string{"avatar_url": "avatars/same.png"},
		New:   map[string]string{"avatar_url": "avatars/same.png"},
	}
	assert.Empty(t, decodeDeltas(ev, watchedCols))
}

func TestDecodeDeltasUpdateFromEmptyToValueEmitsOnlyInsert(t *testing.T) {
	ev := RawEvent{
		Table: "users",
		Op:    OpUpdate,
		Old:   map[string]string{"avatar_url": ""},
		New:   map[string]string{"avatar_url": "avatars/new.png"},
	}
	deltas := decodeDeltas(ev, watchedCols)
	assert.Equal(t, []models.Delta{{Key: "avatars/new.png", Sign: 1, Table: "users", Column: "avatar_url"}}, deltas)
}

func TestDecodeDeltasIgnoresUnwatchedTable(t *testing.T) {
	ev := RawEvent{Table: "sessions", Op: OpInsert, New: map[string]string{"avatar_url": "avatars/1.png"}}
	assert.Empty(t, decodeDeltas(ev, watchedCols))
}
