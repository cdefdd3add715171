package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	errors "github.com/go-errors/errors"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/scheduler"
)

// The Datastore implements scheduler.Repository.

func (self *Datastore) SaveSession(ctx context.Context,
	session *scheduler.Session) error {

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPrefix(err, "saving session", 0)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, sketch_id, user_id, created_at)
VALUES (?, ?, ?, ?)`,
		session.ID, session.SketchID, session.UserID,
		session.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapPrefix(err, "saving session", 0)
	}

	for _, unit := range session.Units {
		err = upsertUnit(ctx, tx, unit)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertUnit(ctx context.Context, tx *sql.Tx,
	unit *scheduler.Unit) error {

	_, err := tx.ExecContext(ctx, `
INSERT INTO units (session_id, timeline_id, analyzer, state, retries,
                   message, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, timeline_id, analyzer) DO UPDATE SET
    state = excluded.state,
    retries = excluded.retries,
    message = excluded.message,
    updated_at = excluded.updated_at`,
		unit.SessionID, unit.TimelineID, unit.Analyzer,
		string(unit.State), unit.Retries, unit.Message,
		unit.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapPrefix(err, "saving unit", 0)
	}
	return nil
}

func (self *Datastore) SaveUnitState(ctx context.Context,
	unit *scheduler.Unit) error {

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPrefix(err, "saving unit", 0)
	}
	defer tx.Rollback()

	err = upsertUnit(ctx, tx, unit)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (self *Datastore) AppendResult(ctx context.Context,
	unit *scheduler.Unit, result *analyzers.Result) error {

	serialized, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = self.db.ExecContext(ctx, `
INSERT INTO results (session_id, timeline_id, analyzer, result, created_at)
VALUES (?, ?, ?, ?, ?)`,
		unit.SessionID, unit.TimelineID, unit.Analyzer,
		string(serialized), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapPrefix(err, "appending result", 0)
	}
	return nil
}

func (self *Datastore) LoadSession(ctx context.Context,
	session_id string) (*scheduler.Session, error) {

	session := &scheduler.Session{ID: session_id}
	var created_at string
	err := self.db.QueryRowContext(ctx,
		"SELECT sketch_id, user_id, created_at FROM sessions WHERE id = ?",
		session_id).Scan(&session.SketchID, &session.UserID, &created_at)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("unknown session %v", session_id)
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading session", 0)
	}

	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, created_at)

	session.Units, err = self.loadUnits(ctx, session_id)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (self *Datastore) loadUnits(ctx context.Context,
	session_id string) ([]*scheduler.Unit, error) {

	rows, err := self.db.QueryContext(ctx, `
SELECT timeline_id, analyzer, state, retries, message, updated_at
FROM units WHERE session_id = ?
ORDER BY timeline_id, analyzer`, session_id)
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading units", 0)
	}
	defer rows.Close()

	var units []*scheduler.Unit
	for rows.Next() {
		unit := &scheduler.Unit{SessionID: session_id}
		var state, updated_at string
		err := rows.Scan(&unit.TimelineID, &unit.Analyzer, &state,
			&unit.Retries, &unit.Message, &updated_at)
		if err != nil {
			return nil, err
		}
		unit.State = scheduler.UnitState(state)
		unit.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated_at)

		unit.Result, err = self.loadResult(ctx, unit)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

// The most recent persisted result for a unit, if any.
func (self *Datastore) loadResult(ctx context.Context,
	unit *scheduler.Unit) (*analyzers.Result, error) {

	var serialized string
	err := self.db.QueryRowContext(ctx, `
SELECT result FROM results
WHERE session_id = ? AND timeline_id = ? AND analyzer = ?
ORDER BY created_at DESC LIMIT 1`,
		unit.SessionID, unit.TimelineID, unit.Analyzer).Scan(&serialized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapPrefix(err, "loading result", 0)
	}

	result := &analyzers.Result{}
	err = json.Unmarshal([]byte(serialized), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (self *Datastore) ListSessions(ctx context.Context,
	sketch_id string) ([]*scheduler.Session, error) {

	rows, err := self.db.QueryContext(ctx, `
SELECT id FROM sessions WHERE sketch_id = ? ORDER BY created_at DESC`,
		sketch_id)
	if err != nil {
		return nil, errors.WrapPrefix(err, "listing sessions", 0)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		err := rows.Scan(&id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}

	var sessions []*scheduler.Session
	for _, id := range ids {
		session, err := self.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
