/*
Velociraptor - Dig Deeper
Copyright (C) 2019-2025 Rapid7 Inc.

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

// An interface into persistent data storage.
package datastore

import (
	"errors"
	"sync"
	"time"

	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	mu sync.Mutex

	// Open database handles keyed by implementation and location.
	handles = make(map[string]DataStore)
)

// A child of a subject together with its data.
type Child struct {
	Name string
	Urn  paths.DSPathSpec
	Data []byte
}

type DataStore interface {
	// Reads a stored record into message. If there is no stored
	// record at this URN, returns utils.NotFoundError.
	GetSubject(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		message interface{}) error

	// Writes the record. An existing record is overwritten.
	SetSubject(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		message interface{}) error

	GetSubjectData(
		config_obj *config.Config,
		urn paths.DSPathSpec) ([]byte, error)

	SetSubjectData(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		data []byte) error

	DeleteSubject(
		config_obj *config.Config,
		urn paths.DSPathSpec) error

	// Removes the urn and everything below it.
	DeleteTree(
		config_obj *config.Config,
		urn paths.DSPathSpec) error

	// Lists the direct children of urn in name order, starting at
	// the first child whose name is >= start. A limit of 0 returns
	// all children.
	ScanChildren(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		start string, limit int) ([]*Child, error)

	// Take an exclusive lease on urn for owner. Returns
	// utils.LeaseHeldError if another owner holds an unexpired
	// lease. The current owner may renew its lease.
	LeaseSubject(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		owner string, duration time.Duration) error

	ReleaseLease(
		config_obj *config.Config,
		urn paths.DSPathSpec,
		owner string) error

	// Called to close all db handles etc. Not thread safe.
	Close()
}

func GetDB(config_obj *config.Config) (DataStore, error) {
	if config_obj.Datastore == nil {
		return nil, errors.New("no datastore configured")
	}

	mu.Lock()
	defer mu.Unlock()

	db, err := getDB(config_obj)
	if err != nil {
		return nil, err
	}

	if config_obj.Datastore.ReadOnly {
		return NewReadOnlyDataStore(db), nil
	}
	return db, nil
}

func getDB(config_obj *config.Config) (DataStore, error) {
	switch config_obj.Datastore.Implementation {
	case "Test":
		return gTestDatastore, nil

	case "Memory":
		return gMemoryDatastore, nil

	case "Sqlite":
		key := "Sqlite:" + config_obj.Datastore.Location
		db, pres := handles[key]
		if pres {
			return db, nil
		}

		db, err := NewSqliteDataStore(config_obj)
		if err != nil {
			return nil, err
		}
		handles[key] = db
		return db, nil

	case "MySQL":
		key := "MySQL:" + config_obj.Datastore.MysqlConnectionString
		db, pres := handles[key]
		if pres {
			return db, nil
		}

		db, err := NewMySQLDataStore(config_obj)
		if err != nil {
			return nil, err
		}
		handles[key] = db
		return db, nil

	default:
		return nil, errors.New("no datastore implementation " +
			config_obj.Datastore.Implementation)
	}
}

// Close all open handles. Used at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()

	for k, db := range handles {
		db.Close()
		delete(handles, k)
	}
}

func marshalSubject(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

func unmarshalSubject(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}

// An empty start scans from the first child.
func sanitizeStart(start string) string {
	if start == "" {
		return ""
	}
	return paths.SanitizeComponent(start)
}

// Helpers for checking errors.
func IsNotFound(err error) bool {
	return errors.Is(err, utils.NotFoundError)
}
