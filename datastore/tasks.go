package datastore

import (
	"sync"
	"time"

	errors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/config"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

var (
	droppedTasksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_tasks_dropped",
		Help: "Number of client tasks dropped after their ttl expired.",
	})

	queuedTasksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_tasks_queued",
		Help: "Number of client tasks queued.",
	})

	task_id_mu   sync.Mutex
	last_task_id uint64
)

// Task ids increase with time so tasks are leased in the order they
// were queued.
func NewTaskId() uint64 {
	task_id_mu.Lock()
	defer task_id_mu.Unlock()

	id := utils.NowMicro() << 8
	if id <= last_task_id {
		id = last_task_id + 1
	}
	last_task_id = id
	return id
}

// The per-client queue of messages waiting to be delivered. Tasks are
// leased to the client for a limited time and redelivered if they
// are not removed. Each lease uses up one unit of the task's ttl.
type ClientTaskQueue struct {
	mu sync.Mutex

	config_obj *config.Config
	db         DataStore
	owner      string
}

func NewClientTaskQueue(
	config_obj *config.Config, db DataStore) *ClientTaskQueue {
	return &ClientTaskQueue{
		config_obj: config_obj,
		db:         db,
		owner:      "ClientTaskQueue-" + utils.GetUUID(),
	}
}

func (self *ClientTaskQueue) QueueMessageForClient(
	client_id string,
	message *flows_proto.ClientMessage,
	eta uint64) (uint64, error) {

	ttl := self.config_obj.Flows.ClientTaskTtl
	if ttl <= 0 {
		ttl = 1
	}

	if message.TaskId == 0 {
		message.TaskId = NewTaskId()
	}

	task := &flows_proto.ClientTask{
		TaskId:   message.TaskId,
		ClientId: client_id,
		Message:  message,
		Eta:      eta,
		Ttl:      ttl,
	}

	client_path_manager := paths.NewClientPathManager(client_id)
	err := self.db.SetSubject(self.config_obj,
		client_path_manager.Task(task.TaskId), task)
	if err != nil {
		return 0, err
	}
	queuedTasksCounter.Inc()

	return task.TaskId, nil
}

func (self *ClientTaskQueue) UnQueueMessageForClient(
	client_id string, task_id uint64) error {
	client_path_manager := paths.NewClientPathManager(client_id)
	return self.db.DeleteSubject(self.config_obj,
		client_path_manager.Task(task_id))
}

// All tasks for the client without leasing them.
func (self *ClientTaskQueue) GetClientTasks(
	client_id string) ([]*flows_proto.ClientTask, error) {
	client_path_manager := paths.NewClientPathManager(client_id)
	children, err := self.db.ScanChildren(self.config_obj,
		client_path_manager.Tasks(), "", 0)
	if err != nil {
		return nil, err
	}

	result := make([]*flows_proto.ClientTask, 0, len(children))
	for _, child := range children {
		task := &flows_proto.ClientTask{}
		err := unmarshalSubject(child.Data, task)
		if err != nil {
			continue
		}
		result = append(result, task)
	}
	return result, nil
}

// Lease up to limit tasks that are due and not currently leased. A
// limit of 0 leases all available tasks.
func (self *ClientTaskQueue) LeaseClientTasks(
	client_id string,
	lease_time time.Duration,
	limit int) ([]*flows_proto.ClientTask, error) {

	self.mu.Lock()
	defer self.mu.Unlock()

	client_path_manager := paths.NewClientPathManager(client_id)

	// Other processes may lease the same client's tasks.
	queue_lock := client_path_manager.Tasks()
	err := utils.Retry(func() error {
		return self.db.LeaseSubject(self.config_obj, queue_lock,
			self.owner, 30*time.Second)
	}, 10, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer self.db.ReleaseLease(self.config_obj, queue_lock, self.owner)

	tasks, err := self.GetClientTasks(client_id)
	if err != nil {
		return nil, err
	}

	now := utils.NowMicro()
	leased_until := now + uint64(lease_time/time.Microsecond)

	result := []*flows_proto.ClientTask{}
	for _, task := range tasks {
		if task.Eta > now || task.LeasedUntil > now {
			continue
		}

		task_urn := client_path_manager.Task(task.TaskId)
		if task.Ttl <= 0 {
			droppedTasksCounter.Inc()
			err := self.db.DeleteSubject(self.config_obj, task_urn)
			if err != nil {
				return nil, err
			}
			continue
		}

		task.Ttl--
		task.LeasedUntil = leased_until
		err := self.db.SetSubject(self.config_obj, task_urn, task)
		if err != nil {
			return nil, errors.Wrap(err, "LeaseClientTasks")
		}

		result = append(result, task)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}
