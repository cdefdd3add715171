package datastore

import (
	"context"
	"database/sql"
	"encoding/json"

	errors "github.com/go-errors/errors"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/store"
)

// A SavedSearch is a named, reusable query specification scoped to a
// sketch. The core only ever reads it at query time - editing happens
// through the web layer.
type SavedSearch struct {
	ID       string
	SketchID string
	Name     string
	Spec     *query.SearchRequest
}

func (self *Datastore) SaveSearch(ctx context.Context,
	saved *SavedSearch) error {

	serialized, err := json.Marshal(saved.Spec)
	if err != nil {
		return err
	}

	_, err = self.db.ExecContext(ctx, `
INSERT INTO saved_searches (id, sketch_id, name, spec)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    spec = excluded.spec`,
		saved.ID, saved.SketchID, saved.Name, string(serialized))
	if err != nil {
		return errors.WrapPrefix(err, "saving search", 0)
	}
	return nil
}

// GetSavedSearch implements query.SavedSearchResolver. The sketch id
// is part of the lookup - referencing another sketch's saved search
// is indistinguishable from it not existing.
func (self *Datastore) GetSavedSearch(ctx context.Context,
	sketch_id, saved_search_id string) (*query.SearchRequest, error) {

	var serialized string
	err := self.db.QueryRowContext(ctx, `
SELECT spec FROM saved_searches WHERE id = ? AND sketch_id = ?`,
		saved_search_id, sketch_id).Scan(&serialized)
	if err == sql.ErrNoRows {
		return nil, store.QueryRejected(
			"unknown saved search %v in sketch %v",
			saved_search_id, sketch_id)
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading saved search", 0)
	}

	spec := &query.SearchRequest{}
	err = json.Unmarshal([]byte(serialized), spec)
	if err != nil {
		return nil, store.QueryRejected(
			"corrupt saved search %v: %v", saved_search_id, err)
	}
	return spec, nil
}

func (self *Datastore) ListSavedSearches(ctx context.Context,
	sketch_id string) ([]*SavedSearch, error) {

	rows, err := self.db.QueryContext(ctx, `
SELECT id, name, spec FROM saved_searches
WHERE sketch_id = ? ORDER BY name`, sketch_id)
	if err != nil {
		return nil, errors.WrapPrefix(err, "listing saved searches", 0)
	}
	defer rows.Close()

	var result []*SavedSearch
	for rows.Next() {
		saved := &SavedSearch{SketchID: sketch_id}
		var serialized string
		err := rows.Scan(&saved.ID, &saved.Name, &serialized)
		if err != nil {
			return nil, err
		}

		saved.Spec = &query.SearchRequest{}
		err = json.Unmarshal([]byte(serialized), saved.Spec)
		if err != nil {
			return nil, err
		}
		result = append(result, saved)
	}
	return result, rows.Err()
}
