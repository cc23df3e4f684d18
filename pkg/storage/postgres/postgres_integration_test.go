package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/test/util"
)

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Rank int    `json:"rank"`
}

func TestPostgresStoreCRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := New(util.SetupTestDatabase(t))

	id, err := s.Create(ctx, "records", record{Name: "first", Rank: 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, found, err := storage.GetOne[record](ctx, s, "records", storage.ByID(id))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", got.Name)

	_, err = s.Update(ctx, "records", id, record{ID: id, Name: "second", Rank: 2})
	require.NoError(t, err)
	got, found, err = storage.GetOne[record](ctx, s, "records", storage.ByID(id))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got.Name)

	// GetOne exactly-one semantics across several rows.
	_, err = s.Create(ctx, "records", record{Name: "second", Rank: 3})
	require.NoError(t, err)
	raw, err := s.GetOne(ctx, "records", query.Filter{"name": {query.OpEquals: "second"}})
	require.NoError(t, err)
	assert.Nil(t, raw)

	n, err := s.DeleteMany(ctx, "records", query.Filter{"name": {query.OpEquals: "second"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPostgresStoreAppend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s := New(util.SetupTestDatabase(t))

	n, err := s.Append(ctx, "pipelineLogs", "p1", `{"stage":"t","line":"one"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Append(ctx, "pipelineLogs", "p1", `{"stage":"t","line":"two"}`)
	require.NoError(t, err)

	type logs struct {
		ID      string   `json:"id"`
		Entries []string `json:"entries"`
	}
	got, found, err := storage.GetOne[logs](ctx, s, "pipelineLogs", storage.ByID("p1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{`{"stage":"t","line":"one"}`, `{"stage":"t","line":"two"}`}, got.Entries)
}

func TestPostgresStoreNotifies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db := util.SetupTestDatabase(t)
	s := New(db)

	// Dedicated LISTEN connection on the shared database. NOTIFY is
	// database-wide, so the payload arrives regardless of schema.
	conn, err := pgx.Connect(ctx, util.GetBaseConnectionString(t))
	require.NoError(t, err)
	defer func() { _ = conn.Close(ctx) }()
	_, err = conn.Exec(ctx, "LISTEN "+NotifyChannel)
	require.NoError(t, err)

	id, err := s.Create(ctx, "records", record{Name: "notified"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notification, err := conn.WaitForNotification(waitCtx)
	require.NoError(t, err)

	var payload NotifyPayload
	require.NoError(t, json.Unmarshal([]byte(notification.Payload), &payload))
	assert.Equal(t, "records", payload.Index)
	assert.Equal(t, "create", payload.Op)
	assert.Equal(t, id, payload.ID)
}
