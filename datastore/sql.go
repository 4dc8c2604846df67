package datastore

// A datastore on top of a SQL database. The sqlite and MySQL backends
// share this implementation and only differ in their dialect.

import (
	"database/sql"
	"fmt"
	"time"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type sqlDialect struct {
	name string

	// Statements run when the database is opened.
	schema []string

	// Insert a row unless the primary key already exists.
	insert_ignore string
}

type SQLDataStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLDataStore(db *sql.DB, dialect sqlDialect) (*SQLDataStore, error) {
	for _, statement := range dialect.schema {
		_, err := db.Exec(statement)
		if err != nil {
			return nil, errors.Wrap(err, dialect.name+": initializing schema")
		}
	}

	return &SQLDataStore{db: db, dialect: dialect}, nil
}

func (self *SQLDataStore) GetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	data, err := self.GetSubjectData(config_obj, urn)
	if err != nil {
		return err
	}
	return unmarshalSubject(data, message)
}

func (self *SQLDataStore) SetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	data, err := marshalSubject(message)
	if err != nil {
		return err
	}
	return self.SetSubjectData(config_obj, urn, data)
}

func (self *SQLDataStore) GetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec) ([]byte, error) {
	defer Instrument("read", self.dialect.name, urn)()

	key := keyOf(urn)

	var data []byte
	err := self.db.QueryRow(
		"SELECT data FROM subjects WHERE parent = ? AND name = ?",
		key.parent, key.name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.WithMessage(utils.NotFoundError, urn.String())
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func (self *SQLDataStore) SetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	data []byte) error {
	defer Instrument("write", self.dialect.name, urn)()

	key := keyOf(urn)
	_, err := self.db.Exec(
		"REPLACE INTO subjects (parent, name, data) VALUES (?, ?, ?)",
		key.parent, key.name, data)
	return errors.WithStack(err)
}

func (self *SQLDataStore) DeleteSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	key := keyOf(urn)
	_, err := self.db.Exec(
		"DELETE FROM subjects WHERE parent = ? AND name = ?",
		key.parent, key.name)
	return errors.WithStack(err)
}

func (self *SQLDataStore) DeleteTree(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	err := self.DeleteSubject(config_obj, urn)
	if err != nil {
		return err
	}

	prefix := urn.String()
	if urn.IsRoot() {
		prefix = ""
	}

	// '0' sorts right after '/' so this range covers all
	// descendants.
	_, err = self.db.Exec(
		"DELETE FROM subjects WHERE parent = ? OR (parent >= ? AND parent < ?)",
		prefix, prefix+"/", prefix+"0")
	return errors.WithStack(err)
}

func (self *SQLDataStore) ScanChildren(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	start string, limit int) ([]*Child, error) {
	defer Instrument("scan", self.dialect.name, urn)()

	if limit <= 0 {
		limit = 1 << 30
	}

	rows, err := self.db.Query(
		"SELECT name, data FROM subjects WHERE parent = ? AND name >= ? "+
			"ORDER BY name LIMIT ?",
		urn.String(), sanitizeStart(start), limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	result := []*Child{}
	for rows.Next() {
		var name string
		var data []byte
		err := rows.Scan(&name, &data)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		name = paths.UnsanitizeComponent(name)
		result = append(result, &Child{
			Name: name,
			Urn:  urn.AddChild(name),
			Data: data,
		})
	}

	return result, errors.WithStack(rows.Err())
}

func (self *SQLDataStore) LeaseSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string, duration time.Duration) error {
	now := utils.Now()
	expires := now.Add(duration).UnixNano()
	key := urn.String()

	// Take over an expired lease or renew our own.
	res, err := self.db.Exec(
		"UPDATE leases SET owner = ?, expires = ? "+
			"WHERE urn = ? AND (expires < ? OR owner = ?)",
		owner, expires, key, now.UnixNano(), owner)
	if err != nil {
		return errors.WithStack(err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected > 0 {
		return nil
	}

	res, err = self.db.Exec(fmt.Sprintf(
		"%s INTO leases (urn, owner, expires) VALUES (?, ?, ?)",
		self.dialect.insert_ignore), key, owner, expires)
	if err != nil {
		return errors.WithStack(err)
	}

	affected, err = res.RowsAffected()
	if err == nil && affected > 0 {
		return nil
	}

	// Some drivers report 0 affected rows when an update does not
	// change anything, so check who holds it.
	var current_owner string
	err = self.db.QueryRow("SELECT owner FROM leases WHERE urn = ?",
		key).Scan(&current_owner)
	if err == nil && current_owner == owner {
		return nil
	}

	return errors.WithMessage(utils.LeaseHeldError,
		fmt.Sprintf("%v held by %v", key, current_owner))
}

func (self *SQLDataStore) ReleaseLease(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string) error {
	_, err := self.db.Exec("DELETE FROM leases WHERE urn = ? AND owner = ?",
		urn.String(), owner)
	return errors.WithStack(err)
}

func (self *SQLDataStore) Close() {
	self.db.Close()
}
