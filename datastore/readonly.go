// A datastore wrapper that refuses all writes. Reads are passed to
// the delegate.

package datastore

import (
	"time"

	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type ReadOnlyDataStore struct {
	delegate DataStore
}

func NewReadOnlyDataStore(delegate DataStore) *ReadOnlyDataStore {
	return &ReadOnlyDataStore{delegate: delegate}
}

func denied(urn paths.DSPathSpec) error {
	return errors.WithMessage(utils.PermissionDenied,
		"read only datastore: "+urn.String())
}

func (self *ReadOnlyDataStore) GetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	return self.delegate.GetSubject(config_obj, urn, message)
}

func (self *ReadOnlyDataStore) SetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	return denied(urn)
}

func (self *ReadOnlyDataStore) GetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec) ([]byte, error) {
	return self.delegate.GetSubjectData(config_obj, urn)
}

func (self *ReadOnlyDataStore) SetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	data []byte) error {
	return denied(urn)
}

func (self *ReadOnlyDataStore) DeleteSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	return denied(urn)
}

func (self *ReadOnlyDataStore) DeleteTree(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	return denied(urn)
}

func (self *ReadOnlyDataStore) ScanChildren(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	start string, limit int) ([]*Child, error) {
	return self.delegate.ScanChildren(config_obj, urn, start, limit)
}

func (self *ReadOnlyDataStore) LeaseSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string, duration time.Duration) error {
	return denied(urn)
}

func (self *ReadOnlyDataStore) ReleaseLease(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string) error {
	return nil
}

func (self *ReadOnlyDataStore) Close() {}
