package collections

import (
	"context"
	"sync"
	"time"

	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

// An entry in the durable index update queue.
type indexUpdateRequest struct {
	Urn string `json:"urn"`
	Due uint64 `json:"due"`
}

// Ask the background updater to refresh the collection's index after
// the updater delay. Queueing the same collection again moves the due
// time.
func QueueIndexUpdate(
	config_obj *config.Config,
	db datastore.DataStore,
	urn paths.DSPathSpec) error {
	delay := time.Duration(config_obj.Collections.IndexUpdaterDelaySec) * time.Second

	return db.SetSubject(config_obj, paths.IndexUpdateEntry(urn),
		&indexUpdateRequest{
			Urn: urn.String(),
			Due: utils.TimeToMicro(utils.Now().Add(delay)),
		})
}

// Processes the index update queue.
type IndexUpdater struct {
	config_obj *config.Config
	db         datastore.DataStore
}

func NewIndexUpdater(
	config_obj *config.Config, db datastore.DataStore) *IndexUpdater {
	return &IndexUpdater{
		config_obj: config_obj,
		db:         db,
	}
}

// Update all collections whose entries are due. Returns the number of
// collections updated.
func (self *IndexUpdater) ProcessDue(ctx context.Context) (int, error) {
	children, err := self.db.ScanChildren(self.config_obj,
		paths.IndexUpdateQueue(), "", 0)
	if err != nil {
		return 0, err
	}

	logger := logging.GetLogger(self.config_obj, &logging.CollectionsComponent)
	now := utils.NowMicro()
	count := 0
	for _, child := range children {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		request := &indexUpdateRequest{}
		err := json.Unmarshal(child.Data, request)
		if err != nil || request.Urn == "" {
			_ = self.db.DeleteSubject(self.config_obj, child.Urn)
			continue
		}

		if request.Due > now {
			continue
		}

		collection := NewIndexedCollection(self.config_obj, self.db,
			paths.ParseDSPathSpec(request.Urn))
		err = collection.UpdateIndex(ctx)
		if err != nil {
			logger.Error("IndexUpdater: %v: %v", request.Urn, err)
		}

		err = self.db.DeleteSubject(self.config_obj, child.Urn)
		if err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// Run the updater until the context is done.
func (self *IndexUpdater) Start(ctx context.Context, wg *sync.WaitGroup) {
	if self.config_obj.Collections.DisableIndexUpdater {
		return
	}

	logger := logging.GetLogger(self.config_obj, &logging.CollectionsComponent)
	logger.Info("<green>Starting</> collection index updater.")

	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			_, err := self.ProcessDue(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("IndexUpdater: %v", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
		}
	}()
}
