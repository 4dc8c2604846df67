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

// The flow worker claims due notifications and advances the flows
// and hunts they name. Any number of workers may run against the
// same datastore: a session lease makes sure each session is
// processed by one worker at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
	"www.velocidex.com/golang/velofleet/config"
	"www.velocidex.com/golang/velofleet/constants"
	"www.velocidex.com/golang/velofleet/datastore"
	"www.velocidex.com/golang/velofleet/flows"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/logging"
	"www.velocidex.com/golang/velofleet/notifications"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/queue_manager"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	processedSessionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_sessions_processed",
		Help: "Number of sessions the worker processed.",
	})

	leaseContentionCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_lease_contention",
		Help: "Number of notifications requeued because the session was leased.",
	})

	sessionErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_session_errors",
		Help: "Number of sessions that failed to process.",
	})
)

type FlowWorker struct {
	config_obj *config.Config
	db         datastore.DataStore
	notifier   notifications.NotificationQueue
	registry   *flows.Registry

	// Identifies this worker as the lease owner.
	id string

	pool    pond.Pool
	limiter *rate.Limiter
	logger  *logging.LogContext
}

func NewFlowWorker(
	config_obj *config.Config,
	db datastore.DataStore,
	notifier notifications.NotificationQueue,
	registry *flows.Registry) *FlowWorker {

	threads := config_obj.Worker.Threads
	if threads <= 0 {
		threads = 10
	}

	limit := rate.Inf
	if config_obj.Worker.MaxNotificationsPerSecond > 0 {
		limit = rate.Limit(config_obj.Worker.MaxNotificationsPerSecond)
	}

	return &FlowWorker{
		config_obj: config_obj,
		db:         db,
		notifier:   notifier,
		registry:   registry,
		id:         "worker-" + utils.GetUUID(),
		pool:       pond.NewPool(threads),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logging.GetLogger(config_obj, &logging.WorkerComponent),
	}
}

func (self *FlowWorker) Id() string {
	return self.id
}

func (self *FlowWorker) queues() []string {
	if len(self.config_obj.Worker.Queues) > 0 {
		return self.config_obj.Worker.Queues
	}
	return []string{constants.DEFAULT_QUEUE, constants.HUNTS_QUEUE}
}

func (self *FlowWorker) batchSize() int {
	if self.config_obj.Worker.NotificationBatch > 0 {
		return self.config_obj.Worker.NotificationBatch
	}
	return 100
}

// Process every notification that is due on all queues. Returns the
// number of sessions processed.
func (self *FlowWorker) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for _, queue := range self.queues() {
		count, err := self.RunQueue(ctx, queue)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Drain due notifications from a single queue.
func (self *FlowWorker) RunQueue(ctx context.Context, queue string) (int, error) {
	total := 0
	batch := self.batchSize()

	for {
		claimed, err := self.notifier.ClaimNotifications(
			ctx, queue, utils.NowMicro(), batch)
		if err != nil {
			return total, err
		}

		total += self.processBatch(ctx, claimed)

		// A short batch means the queue is drained. Anything queued
		// since is picked up on the next run.
		if len(claimed) < batch {
			return total, nil
		}
	}
}

func (self *FlowWorker) processBatch(ctx context.Context,
	claimed []*flows_proto.Notification) int {
	var mu sync.Mutex
	count := 0

	// Several notifications for one session are handled by a single
	// pass over its completed requests.
	seen := make(map[string]bool)

	group := self.pool.NewGroup()
	for _, notification := range claimed {
		if seen[notification.SessionId] {
			continue
		}
		seen[notification.SessionId] = true

		err := self.limiter.Wait(ctx)
		if err != nil {
			break
		}

		group.Submit(func() {
			processed, err := self.ProcessSession(ctx, notification)
			if err != nil {
				sessionErrorsCounter.Inc()
				self.logger.Error("ProcessSession %v: %v",
					notification.SessionId, err)
			}

			if processed {
				mu.Lock()
				count++
				mu.Unlock()
			}
		})
	}

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		self.logger.Error("FlowWorker: %v", err)
	}
	return count
}

// Process a single session under its lease. Returns false if another
// worker holds the lease or the pass fails, in which case the
// notification is queued again after a short delay.
func (self *FlowWorker) ProcessSession(ctx context.Context,
	notification *flows_proto.Notification) (bool, error) {
	session_id := notification.SessionId
	lease := paths.NewFlowPathManager(session_id).Lease()

	err := self.db.LeaseSubject(self.config_obj, lease, self.id,
		self.config_obj.LeaseTime())
	if errors.Is(err, utils.LeaseHeldError) {
		leaseContentionCounter.Inc()
		return false, self.requeue(ctx, notification)
	}
	if err != nil {
		return false, self.retryAfter(ctx, notification, err)
	}
	defer func() {
		err := self.db.ReleaseLease(self.config_obj, lease, self.id)
		if err != nil {
			self.logger.Error("ReleaseLease %v: %v", session_id, err)
		}
	}()

	// Each session buffers its own writes.
	manager := queue_manager.NewQueueManager(
		self.config_obj, self.db, self.notifier)

	runner, err := flows.LoadSessionRunner(self.config_obj, manager,
		self.registry, session_id)
	if errors.Is(err, utils.NotFoundError) {
		self.logger.Debug("Dropping notification for unknown session %v",
			session_id)
		return false, nil
	}
	if err != nil {
		return false, self.retryAfter(ctx, notification, err)
	}

	err = runner.ProcessCompletedRequests(ctx, notification)
	if err != nil {
		return false, self.retryAfter(ctx, notification, err)
	}

	processedSessionsCounter.Inc()
	return true, nil
}

// Queue the notification again and return the original error.
func (self *FlowWorker) retryAfter(ctx context.Context,
	notification *flows_proto.Notification, err error) error {
	requeue_err := self.requeue(ctx, notification)
	if requeue_err != nil {
		self.logger.Error("Requeue %v: %v", notification.SessionId, requeue_err)
	}
	return err
}

func (self *FlowWorker) requeue(ctx context.Context,
	notification *flows_proto.Notification) error {
	delay := time.Duration(self.config_obj.Worker.LeaseRetryDelayMs) *
		time.Millisecond

	self.logger.Debug("Session %v retrying in %v",
		notification.SessionId, delay)

	return self.notifier.QueueNotification(ctx, &flows_proto.Notification{
		SessionId: notification.SessionId,
		Queue:     notification.Queue,
		Timestamp: utils.TimeToMicro(utils.Now().Add(delay)),
	})
}

func (self *FlowWorker) pollInterval() time.Duration {
	if self.config_obj.Worker.PollIntervalMs > 0 {
		return time.Duration(self.config_obj.Worker.PollIntervalMs) *
			time.Millisecond
	}
	return time.Second
}

// Run the worker in the background until the context is done. Each
// queue is drained when work is queued in this process or otherwise
// every poll interval.
func (self *FlowWorker) Start(ctx context.Context, wg *sync.WaitGroup) {
	self.logger.Info("<green>Starting</> flow worker %v on queues %v",
		self.id, self.queues())

	queue_wg := &sync.WaitGroup{}
	for _, queue := range self.queues() {
		queue_wg.Add(1)
		go func(queue string) {
			defer queue_wg.Done()

			for {
				notify, cancel := notifications.ListenForWork(queue)

				_, err := self.RunQueue(ctx, queue)
				if err != nil {
					self.logger.Error("FlowWorker queue %v: %v", queue, err)
				}

				select {
				case <-ctx.Done():
					cancel()
					return
				case <-notify:
				case <-time.After(self.pollInterval()):
				}
				cancel()
			}
		}(queue)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		queue_wg.Wait()
		self.pool.StopAndWait()
		self.logger.Info("Flow worker %v <red>stopped</>", self.id)
	}()
}
