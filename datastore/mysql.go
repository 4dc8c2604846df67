package datastore

import (
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/config"
)

// Keys are escaped ascii so a binary ascii collation gives the same
// ordering as the other backends.
var mysqlDialect = sqlDialect{
	name: "MySQL",
	schema: []string{
		"CREATE TABLE IF NOT EXISTS subjects (" +
			"parent VARCHAR(1024) CHARACTER SET ascii COLLATE ascii_bin NOT NULL, " +
			"name VARCHAR(255) CHARACTER SET ascii COLLATE ascii_bin NOT NULL, " +
			"data LONGBLOB, " +
			"PRIMARY KEY (parent, name)) ENGINE=InnoDB ROW_FORMAT=DYNAMIC",
		"CREATE TABLE IF NOT EXISTS leases (" +
			"urn VARCHAR(1024) CHARACTER SET ascii COLLATE ascii_bin NOT NULL PRIMARY KEY, " +
			"owner VARCHAR(255) NOT NULL, " +
			"expires BIGINT NOT NULL) ENGINE=InnoDB ROW_FORMAT=DYNAMIC",
	},
	insert_ignore: "INSERT IGNORE",
}

func NewMySQLDataStore(config_obj *config.Config) (*SQLDataStore, error) {
	conn_string := config_obj.Datastore.MysqlConnectionString
	if conn_string == "" {
		return nil, errors.New("MySQL: Datastore.mysql_connection_string not set")
	}

	db, err := sql.Open("mysql", conn_string)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "MySQL")
	}

	result, err := newSQLDataStore(db, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return result, nil
}
