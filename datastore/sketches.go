package datastore

import (
	"context"
	"database/sql"
	"encoding/json"

	errors "github.com/go-errors/errors"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/scope"
	"www.velocidex.com/golang/tracesketch/store"
)

// The Datastore is the production scope.Context: sketch membership,
// timeline status and collaborator checks all come from the
// relational tables.

func (self *Datastore) CreateSketch(ctx context.Context,
	sketch *events.Sketch) error {

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPrefix(err, "creating sketch", 0)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO sketches (id, name) VALUES (?, ?)",
		sketch.ID, sketch.Name)
	if err != nil {
		return errors.WrapPrefix(err, "creating sketch", 0)
	}

	for _, username := range sketch.Collaborators {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO collaborators (sketch_id, username) VALUES (?, ?)",
			sketch.ID, username)
		if err != nil {
			return errors.WrapPrefix(err, "adding collaborator", 0)
		}
	}

	return tx.Commit()
}

// AddTimeline records a completed ingestion. Identity is immutable
// from here on - only the status may change.
func (self *Datastore) AddTimeline(ctx context.Context,
	timeline *events.Timeline) error {

	_, err := self.db.ExecContext(ctx, `
INSERT INTO timelines (id, sketch_id, name, index_name, status)
VALUES (?, ?, ?, ?, ?)`,
		timeline.ID, timeline.SketchID, timeline.Name,
		timeline.IndexName, string(timeline.Status))
	if err != nil {
		return errors.WrapPrefix(err, "adding timeline", 0)
	}
	return nil
}

func (self *Datastore) SetTimelineStatus(ctx context.Context,
	timeline_id string, status events.TimelineStatus) error {

	res, err := self.db.ExecContext(ctx,
		"UPDATE timelines SET status = ? WHERE id = ?",
		string(status), timeline_id)
	if err != nil {
		return errors.WrapPrefix(err, "updating timeline status", 0)
	}

	count, _ := res.RowsAffected()
	if count == 0 {
		return errors.Errorf("unknown timeline %v", timeline_id)
	}
	return nil
}

func (self *Datastore) SetTimelineSchema(ctx context.Context,
	timeline_id string, fields map[string]events.FieldKind) error {

	serialized, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	_, err = self.db.ExecContext(ctx, `
INSERT INTO timeline_schemas (timeline_id, fields) VALUES (?, ?)
ON CONFLICT (timeline_id) DO UPDATE SET fields = excluded.fields`,
		timeline_id, string(serialized))
	if err != nil {
		return errors.WrapPrefix(err, "storing timeline schema", 0)
	}
	return nil
}

func (self *Datastore) GetSketch(ctx context.Context,
	sketch_id string) (*events.Sketch, error) {

	sketch := &events.Sketch{ID: sketch_id}
	err := self.db.QueryRowContext(ctx,
		"SELECT name FROM sketches WHERE id = ?", sketch_id).
		Scan(&sketch.Name)
	if err == sql.ErrNoRows {
		return nil, store.Forbidden("unknown sketch %v", sketch_id)
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading sketch", 0)
	}

	rows, err := self.db.QueryContext(ctx, `
SELECT id, name, index_name, status FROM timelines
WHERE sketch_id = ? ORDER BY id`, sketch_id)
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading timelines", 0)
	}
	defer rows.Close()

	for rows.Next() {
		timeline := &events.Timeline{SketchID: sketch_id}
		var status string
		err := rows.Scan(&timeline.ID, &timeline.Name,
			&timeline.IndexName, &status)
		if err != nil {
			return nil, err
		}
		timeline.Status = events.TimelineStatus(status)
		sketch.Timelines = append(sketch.Timelines, timeline)
	}

	collaborators, err := self.db.QueryContext(ctx,
		"SELECT username FROM collaborators WHERE sketch_id = ? ORDER BY username",
		sketch_id)
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading collaborators", 0)
	}
	defer collaborators.Close()

	for collaborators.Next() {
		var username string
		err := collaborators.Scan(&username)
		if err != nil {
			return nil, err
		}
		sketch.Collaborators = append(sketch.Collaborators, username)
	}

	return sketch, rows.Err()
}

func (self *Datastore) ResolveScope(ctx context.Context,
	sketch_id string, timeline_ids []string) (*store.Scope, error) {

	sketch, err := self.GetSketch(ctx, sketch_id)
	if err != nil {
		return nil, err
	}
	return scope.ResolveSketchScope(sketch, timeline_ids)
}

// Collaborator membership grants every action. Finer grained roles
// live in the web layer, outside this core.
func (self *Datastore) CheckPermission(ctx context.Context,
	sketch_id, user_id string, action scope.Action) error {

	if user_id == "" {
		return store.Forbidden("no user supplied for %v on sketch %v",
			action, sketch_id)
	}

	var count int
	err := self.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM collaborators
WHERE sketch_id = ? AND username = ?`, sketch_id, user_id).Scan(&count)
	if err != nil {
		return errors.WrapPrefix(err, "checking permission", 0)
	}

	if count == 0 {
		return store.Forbidden("user %v may not %v sketch %v",
			user_id, action, sketch_id)
	}
	return nil
}

func (self *Datastore) TimelineStatus(ctx context.Context,
	timeline_id string) (events.TimelineStatus, error) {

	var status string
	err := self.db.QueryRowContext(ctx,
		"SELECT status FROM timelines WHERE id = ?", timeline_id).
		Scan(&status)
	if err == sql.ErrNoRows {
		return "", errors.Errorf("unknown timeline %v", timeline_id)
	}
	if err != nil {
		return "", errors.WrapPrefix(err, "loading timeline status", 0)
	}
	return events.TimelineStatus(status), nil
}

// TimelineSchema returns the stored field schema, falling back to the
// baseline mapping for timelines ingested before schemas were
// recorded.
func (self *Datastore) TimelineSchema(ctx context.Context,
	timeline_id string) (*events.Schema, error) {

	var serialized string
	err := self.db.QueryRowContext(ctx,
		"SELECT fields FROM timeline_schemas WHERE timeline_id = ?",
		timeline_id).Scan(&serialized)
	if err == sql.ErrNoRows {
		return events.DefaultSchema(), nil
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading timeline schema", 0)
	}

	fields := make(map[string]events.FieldKind)
	err = json.Unmarshal([]byte(serialized), &fields)
	if err != nil {
		return nil, errors.WrapPrefix(err, "decoding timeline schema", 0)
	}
	return events.NewSchema(fields), nil
}
