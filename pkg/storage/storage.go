// Package storage defines the backend-agnostic persistence port. Every
// component mutates state through this contract; backends stay
// interchangeable at construction and never leak their identity
// downstream. Each write publishes a change event on the in-process
// bus, which is the change-stream readers subscribe to.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/query"
)

// Error wraps a backend failure. Callers match with errors.As; the
// message never names the backend.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the uniform CRUD + filter + change-stream contract.
//
// GetOne has exactly-one semantics: it returns a document only when
// the filtered result set has size 1, and (nil, nil) otherwise.
// Create assigns a UUIDv4 when the item's id field is empty and
// returns the id. Append upserts a row keyed by id and pushes entry
// onto its entries list. Every operation is atomic for the single
// document it touches; cross-document transactions are not offered.
type Store interface {
	GetAll(ctx context.Context, index string, f query.Filter, o *query.Options, paged bool) ([]json.RawMessage, error)
	GetOne(ctx context.Context, index string, f query.Filter) (json.RawMessage, error)
	Create(ctx context.Context, index string, item any) (string, error)
	Update(ctx context.Context, index, id string, item any) (string, error)
	Append(ctx context.Context, index, id, entry string) (int64, error)
	DeleteOne(ctx context.Context, index string, f query.Filter) (int64, error)
	DeleteMany(ctx context.Context, index string, f query.Filter) (int64, error)
	DeleteAll(ctx context.Context, index string) (int64, error)
	Purge(ctx context.Context) error
	Close() error
}

// GetAll decodes every matching document into T.
func GetAll[T any](ctx context.Context, s Store, index string, f query.Filter, o *query.Options, paged bool) ([]T, error) {
	raws, err := s.GetAll(ctx, index, f, o, paged)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &Error{Op: "decode " + index, Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

// GetOne decodes the single matching document into T. The boolean is
// false when the result set does not have size exactly 1.
func GetOne[T any](ctx context.Context, s Store, index string, f query.Filter) (T, bool, error) {
	var item T
	raw, err := s.GetOne(ctx, index, f)
	if err != nil || raw == nil {
		return item, false, err
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, false, &Error{Op: "decode " + index, Err: err}
	}
	return item, true, nil
}

// ByID is the filter matching one document by its id.
func ByID(id string) query.Filter {
	return query.Filter{"id": {query.OpEquals: id}}
}

// PublishChange emits a storage change event on the bus. Backends call
// it after every committed write so change-stream subscribers observe
// FIFO per-index ordering from their subscription point.
func PublishChange(bus *messaging.Bus, index, op string, item []byte) {
	if bus == nil {
		return
	}
	bus.Publish(messaging.Event{Index: index, Op: op, Item: item})
}

// NormalizeDoc marshals an item into its document form and ensures it
// carries an id, minting a UUIDv4 when the field is empty. Shared by
// backends so Create semantics stay identical everywhere.
func NormalizeDoc(item any) (doc map[string]any, id string, raw []byte, err error) {
	encoded, err := json.Marshal(item)
	if err != nil {
		return nil, "", nil, &Error{Op: "encode item", Err: err}
	}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, "", nil, &Error{Op: "encode item", Err: err}
	}
	id, _ = doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
		if encoded, err = json.Marshal(doc); err != nil {
			return nil, "", nil, &Error{Op: "encode item", Err: err}
		}
	}
	return doc, id, encoded, nil
}
