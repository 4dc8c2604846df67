package datastore

/*
   An in-memory data store. Subjects are kept in a btree ordered by
   (parent, name) so children can be scanned in order.
*/

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	errors "github.com/pkg/errors"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	gTestDatastore   = NewMemoryDataStore()
	gMemoryDatastore = NewMemoryDataStore()
)

type subjectItem struct {
	parent string
	name   string
	data   []byte
}

func (self subjectItem) Less(than btree.Item) bool {
	other := than.(subjectItem)
	if self.parent != other.parent {
		return self.parent < other.parent
	}
	return self.name < other.name
}

type lease struct {
	owner   string
	expires time.Time
}

type MemoryDataStore struct {
	mu sync.Mutex

	subjects *btree.BTree
	leases   map[string]lease
}

func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		subjects: btree.New(16),
		leases:   make(map[string]lease),
	}
}

func (self *MemoryDataStore) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.subjects.Len()
}

// Dump all keys for debugging.
func (self *MemoryDataStore) Debug() string {
	self.mu.Lock()
	defer self.mu.Unlock()

	result := []string{}
	self.subjects.Ascend(func(i btree.Item) bool {
		item := i.(subjectItem)
		result = append(result, fmt.Sprintf("%v/%v: %v",
			item.parent, item.name, string(item.data)))
		return true
	})
	return strings.Join(result, "\n")
}

func keyOf(urn paths.DSPathSpec) subjectItem {
	return subjectItem{
		parent: urn.Dir().String(),
		name:   paths.SanitizeComponent(urn.Base()),
	}
}

func (self *MemoryDataStore) GetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	data, err := self.GetSubjectData(config_obj, urn)
	if err != nil {
		return err
	}
	return unmarshalSubject(data, message)
}

func (self *MemoryDataStore) SetSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	message interface{}) error {
	data, err := marshalSubject(message)
	if err != nil {
		return err
	}
	return self.SetSubjectData(config_obj, urn, data)
}

func (self *MemoryDataStore) GetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec) ([]byte, error) {
	defer Instrument("read", "MemoryDataStore", urn)()

	self.mu.Lock()
	defer self.mu.Unlock()

	item := self.subjects.Get(keyOf(urn))
	if item == nil {
		return nil, errors.WithMessage(utils.NotFoundError, urn.String())
	}
	return item.(subjectItem).data, nil
}

func (self *MemoryDataStore) SetSubjectData(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	data []byte) error {
	defer Instrument("write", "MemoryDataStore", urn)()

	self.mu.Lock()
	defer self.mu.Unlock()

	item := keyOf(urn)
	item.data = append([]byte{}, data...)
	self.subjects.ReplaceOrInsert(item)
	return nil
}

func (self *MemoryDataStore) DeleteSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.subjects.Delete(keyOf(urn))
	return nil
}

func (self *MemoryDataStore) DeleteTree(
	config_obj *config.Config,
	urn paths.DSPathSpec) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.subjects.Delete(keyOf(urn))

	// All descendants have a parent equal to the prefix or starting
	// with prefix + "/". Parents between the two (e.g. prefix + "-")
	// are skipped.
	prefix := urn.String()
	if urn.IsRoot() {
		prefix = ""
	}
	end := prefix + "0"

	to_delete := []subjectItem{}
	self.subjects.AscendGreaterOrEqual(subjectItem{parent: prefix},
		func(i btree.Item) bool {
			item := i.(subjectItem)
			if item.parent >= end {
				return false
			}
			if item.parent == prefix ||
				strings.HasPrefix(item.parent, prefix+"/") {
				to_delete = append(to_delete, item)
			}
			return true
		})

	for _, item := range to_delete {
		self.subjects.Delete(item)
	}
	return nil
}

func (self *MemoryDataStore) ScanChildren(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	start string, limit int) ([]*Child, error) {
	defer Instrument("scan", "MemoryDataStore", urn)()

	self.mu.Lock()
	defer self.mu.Unlock()

	parent := urn.String()
	result := []*Child{}
	self.subjects.AscendGreaterOrEqual(
		subjectItem{parent: parent, name: sanitizeStart(start)},
		func(i btree.Item) bool {
			item := i.(subjectItem)
			if item.parent != parent {
				return false
			}

			name := paths.UnsanitizeComponent(item.name)
			result = append(result, &Child{
				Name: name,
				Urn:  urn.AddChild(name),
				Data: item.data,
			})
			return limit <= 0 || len(result) < limit
		})

	return result, nil
}

func (self *MemoryDataStore) LeaseSubject(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string, duration time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	now := utils.Now()
	key := urn.String()
	existing, pres := self.leases[key]
	if pres && existing.owner != owner && existing.expires.After(now) {
		return errors.WithMessage(utils.LeaseHeldError,
			fmt.Sprintf("%v held by %v", key, existing.owner))
	}

	self.leases[key] = lease{owner: owner, expires: now.Add(duration)}
	return nil
}

func (self *MemoryDataStore) ReleaseLease(
	config_obj *config.Config,
	urn paths.DSPathSpec,
	owner string) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	key := urn.String()
	existing, pres := self.leases[key]
	if pres && existing.owner == owner {
		delete(self.leases, key)
	}
	return nil
}

func (self *MemoryDataStore) Close() {}
