package datastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
)

type SqliteTestSuite struct {
	BaseTestSuite
}

func (self *SqliteTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()
	self.config_obj.Datastore.Implementation = "Sqlite"
	self.config_obj.Datastore.Location = filepath.Join(
		self.T().TempDir(), "test.sqlite")

	db, err := NewSqliteDataStore(self.config_obj)
	require.NoError(self.T(), err)
	self.datastore = db
}

func (self *SqliteTestSuite) TearDownTest() {
	if self.datastore != nil {
		self.datastore.Close()
	}
}

func TestSqliteDatastore(t *testing.T) {
	suite.Run(t, &SqliteTestSuite{})
}
