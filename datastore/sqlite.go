package datastore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/config"
)

var sqliteDialect = sqlDialect{
	name: "Sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS subjects (
            parent TEXT NOT NULL,
            name TEXT NOT NULL,
            data BLOB,
            PRIMARY KEY (parent, name))`,
		`CREATE TABLE IF NOT EXISTS leases (
            urn TEXT NOT NULL PRIMARY KEY,
            owner TEXT NOT NULL,
            expires INTEGER NOT NULL)`,
	},
	insert_ignore: "INSERT OR IGNORE",
}

// A single file sqlite database. Only one connection is used since
// sqlite serializes writers anyway.
func NewSqliteDataStore(config_obj *config.Config) (*SQLDataStore, error) {
	location := config_obj.Datastore.Location
	if location == "" {
		return nil, errors.New("Sqlite: Datastore.location not set")
	}

	err := os.MkdirAll(filepath.Dir(location), 0700)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", location))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)

	result, err := newSQLDataStore(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return result, nil
}
