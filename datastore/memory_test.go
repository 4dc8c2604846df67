package datastore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type MemoryTestSuite struct {
	BaseTestSuite
}

func (self *MemoryTestSuite) SetupTest() {
	self.config_obj = config.GetDefaultConfig()
	self.datastore = NewMemoryDataStore()
}

func TestMemoryDatastore(t *testing.T) {
	suite.Run(t, &MemoryTestSuite{})
}

func TestReadOnlyDatastore(t *testing.T) {
	config_obj := config.GetDefaultConfig()
	delegate := NewMemoryDataStore()
	urn := paths.NewDSPathSpec("a", "b")
	assert.NoError(t, delegate.SetSubjectData(config_obj, urn, []byte("x")))

	db := NewReadOnlyDataStore(delegate)
	data, err := db.GetSubjectData(config_obj, urn)
	assert.NoError(t, err)
	assert.Equal(t, "x", string(data))

	err = db.SetSubjectData(config_obj, urn, []byte("y"))
	assert.True(t, errors.Is(err, utils.PermissionDenied))

	err = db.DeleteTree(config_obj, urn)
	assert.True(t, errors.Is(err, utils.PermissionDenied))
}

func TestGetDB(t *testing.T) {
	config_obj := config.GetDefaultConfig()
	config_obj.Datastore.Implementation = "Test"

	db, err := GetDB(config_obj)
	assert.NoError(t, err)
	assert.Equal(t, gTestDatastore, db)

	config_obj.Datastore.ReadOnly = true
	db, err = GetDB(config_obj)
	assert.NoError(t, err)
	assert.IsType(t, &ReadOnlyDataStore{}, db)

	config_obj.Datastore.Implementation = "NoSuchStore"
	_, err = GetDB(config_obj)
	assert.Error(t, err)
}
