/*
   Tracesketch - Collaborative Timeline Forensics

   Copyright (C) 2025 Velocidex Innovations.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Relational persistence for everything that is not an event: sketch
// and timeline metadata, analysis sessions and their unit states,
// saved searches. Events themselves live in the external index.
package datastore

import (
	"database/sql"

	errors "github.com/go-errors/errors"
	_ "github.com/mattn/go-sqlite3"
	"www.velocidex.com/golang/tracesketch/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sketches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collaborators (
    sketch_id TEXT NOT NULL,
    username TEXT NOT NULL,
    PRIMARY KEY (sketch_id, username)
);

CREATE TABLE IF NOT EXISTS timelines (
    id TEXT PRIMARY KEY,
    sketch_id TEXT NOT NULL,
    name TEXT NOT NULL,
    index_name TEXT NOT NULL,
    status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timeline_schemas (
    timeline_id TEXT PRIMARY KEY,
    fields TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    sketch_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS units (
    session_id TEXT NOT NULL,
    timeline_id TEXT NOT NULL,
    analyzer TEXT NOT NULL,
    state TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (session_id, timeline_id, analyzer)
);

CREATE TABLE IF NOT EXISTS results (
    session_id TEXT NOT NULL,
    timeline_id TEXT NOT NULL,
    analyzer TEXT NOT NULL,
    result TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS saved_searches (
    id TEXT PRIMARY KEY,
    sketch_id TEXT NOT NULL,
    name TEXT NOT NULL,
    spec TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timelines_sketch
    ON timelines (sketch_id);
CREATE INDEX IF NOT EXISTS idx_sessions_sketch
    ON sessions (sketch_id);
CREATE INDEX IF NOT EXISTS idx_saved_searches_sketch
    ON saved_searches (sketch_id);
`

type Datastore struct {
	db *sql.DB
}

func NewDatastore(config_obj *config.Config) (*Datastore, error) {
	location := "tracesketch.db"
	if config_obj.Datastore != nil && config_obj.Datastore.Location != "" {
		location = config_obj.Datastore.Location
	}

	db, err := sql.Open("sqlite3", location+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.WrapPrefix(err, "opening datastore", 0)
	}

	// sqlite serializes writers anyway, a larger pool just burns
	// file handles.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(schemaSQL)
	if err != nil {
		db.Close()
		return nil, errors.WrapPrefix(err, "initializing datastore schema", 0)
	}

	return &Datastore{db: db}, nil
}

func (self *Datastore) Close() error {
	return self.db.Close()
}
