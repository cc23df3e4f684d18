// Package postgres provides the PostgreSQL storage backend. Documents
// live as jsonb rows in a single table keyed by (index_name, id);
// filtering decodes the index rows and evaluates the shared query
// engine so operator semantics are identical across backends.
//
// Change events are not published locally: every write issues a
// pg_notify in the same transaction, and the events.NotifyListener
// re-fetches the document and feeds the in-process bus. That way every
// replica observes the change stream, not just the writing one.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rustyops/rustyci/pkg/query"
	"github.com/rustyops/rustyci/pkg/storage"
)

// NotifyChannel is the PostgreSQL NOTIFY channel carrying change
// events. Payload: {"index":...,"op":...,"id":...}.
const NotifyChannel = "rustyci_events"

// NotifyPayload is the wire form of one change notification.
type NotifyPayload struct {
	Index string `json:"index"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

// Store is the PostgreSQL storage.Store implementation.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The handle stays owned by the
// caller; Close is a no-op so the database client can be shared.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetAll returns the matching documents, sorted and optionally paged.
func (s *Store) GetAll(ctx context.Context, index string, f query.Filter, o *query.Options, paged bool) ([]json.RawMessage, error) {
	docs, err := s.fetchIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	matched, err := query.Apply(docs, f, o, paged)
	if err != nil {
		return nil, &storage.Error{Op: "get all " + index, Err: err}
	}
	out := make([]json.RawMessage, 0, len(matched))
	for _, doc := range matched {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, &storage.Error{Op: "get all " + index, Err: err}
		}
		out = append(out, raw)
	}
	return out, nil
}

// GetOne returns the matching document iff exactly one matches.
func (s *Store) GetOne(ctx context.Context, index string, f query.Filter) (json.RawMessage, error) {
	raws, err := s.GetAll(ctx, index, f, nil, false)
	if err != nil {
		return nil, err
	}
	if len(raws) != 1 {
		return nil, nil
	}
	return raws[0], nil
}

// Create inserts a new document, minting an id when absent, and
// notifies the change channel in the same transaction.
func (s *Store) Create(ctx context.Context, index string, item any) (string, error) {
	_, id, raw, err := storage.NormalizeDoc(item)
	if err != nil {
		return "", err
	}
	err = s.write(ctx, "create "+index, `
		INSERT INTO documents (index_name, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (index_name, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		index, id, raw, "create")
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update replaces the document with the given id.
func (s *Store) Update(ctx context.Context, index, id string, item any) (string, error) {
	doc, _, _, err := storage.NormalizeDoc(item)
	if err != nil {
		return "", err
	}
	doc["id"] = id
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", &storage.Error{Op: "update " + index, Err: err}
	}
	err = s.write(ctx, "update "+index, `
		INSERT INTO documents (index_name, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (index_name, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		index, id, raw, "update")
	if err != nil {
		return "", err
	}
	return id, nil
}

// Append upserts the document keyed by id and pushes entry onto its
// entries jsonb array.
func (s *Store) Append(ctx context.Context, index, id, entry string) (int64, error) {
	seed, err := json.Marshal(map[string]any{"id": id, "entries": []string{}})
	if err != nil {
		return 0, &storage.Error{Op: "append " + index, Err: err}
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, &storage.Error{Op: "append " + index, Err: err}
	}
	err = s.write(ctx, "append "+index, `
		INSERT INTO documents (index_name, id, doc)
		VALUES ($1, $2, jsonb_set($3::jsonb, '{entries}', jsonb_build_array($4::jsonb)))
		ON CONFLICT (index_name, id)
		DO UPDATE SET
			doc = jsonb_set(documents.doc, '{entries}',
				COALESCE(documents.doc->'entries', '[]'::jsonb) || jsonb_build_array($4::jsonb)),
			updated_at = now()`,
		index, id, seed, "append", entryJSON)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// DeleteOne deletes the matching document iff exactly one matches.
func (s *Store) DeleteOne(ctx context.Context, index string, f query.Filter) (int64, error) {
	raw, err := s.GetOne(ctx, index, f)
	if err != nil || raw == nil {
		return 0, err
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, &storage.Error{Op: "delete one " + index, Err: err}
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE index_name = $1 AND id = $2`, index, doc.ID)
	if err != nil {
		return 0, &storage.Error{Op: "delete one " + index, Err: err}
	}
	return rowsAffected(res, "delete one "+index)
}

// DeleteMany deletes every matching document.
func (s *Store) DeleteMany(ctx context.Context, index string, f query.Filter) (int64, error) {
	raws, err := s.GetAll(ctx, index, f, nil, false)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, raw := range raws {
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM documents WHERE index_name = $1 AND id = $2`, index, doc.ID)
		if err != nil {
			return count, &storage.Error{Op: "delete many " + index, Err: err}
		}
		n, err := rowsAffected(res, "delete many "+index)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// DeleteAll empties the index.
func (s *Store) DeleteAll(ctx context.Context, index string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE index_name = $1`, index)
	if err != nil {
		return 0, &storage.Error{Op: "delete all " + index, Err: err}
	}
	return rowsAffected(res, "delete all "+index)
}

// Purge drops every document.
func (s *Store) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return &storage.Error{Op: "purge", Err: err}
	}
	return nil
}

// Close is a no-op: the database handle is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// write commits one upsert together with its change notification.
// pg_notify is transactional, so the notification fires iff the write
// lands.
func (s *Store) write(ctx context.Context, op, stmt, index, id string, raw []byte, notifyOp string, extra ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.Error{Op: op, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{index, id, raw}, extra...)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return &storage.Error{Op: op, Err: err}
	}

	payload, err := json.Marshal(NotifyPayload{Index: index, Op: notifyOp, ID: id})
	if err != nil {
		return &storage.Error{Op: op, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return &storage.Error{Op: op, Err: fmt.Errorf("pg_notify: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return &storage.Error{Op: op, Err: err}
	}
	return nil
}

// FetchDoc returns one raw document by index and id. Used by the
// change-stream listener to resolve a notification into its document.
func (s *Store) FetchDoc(ctx context.Context, index, id string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE index_name = $1 AND id = $2`, index, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &storage.Error{Op: "fetch " + index, Err: err}
	}
	return raw, nil
}

func (s *Store) fetchIndex(ctx context.Context, index string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM documents WHERE index_name = $1 ORDER BY created_at, id`, index)
	if err != nil {
		return nil, &storage.Error{Op: "get all " + index, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var docs []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &storage.Error{Op: "get all " + index, Err: err}
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &storage.Error{Op: "get all " + index, Err: err}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.Error{Op: "get all " + index, Err: err}
	}
	return docs, nil
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &storage.Error{Op: op, Err: err}
	}
	return n, nil
}
