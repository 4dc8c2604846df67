package notifications

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_wakeup_count",
		Help: "Number of times idle workers were woken up.",
	})

	gPool = NewNotificationPool()
)

// Wakes up in-process listeners. Workers listen on their queue name
// and are woken when new work is queued so they do not need to wait
// for the next poll.
type NotificationPool struct {
	mu      sync.Mutex
	clients map[string]chan bool
}

func NewNotificationPool() *NotificationPool {
	return &NotificationPool{
		clients: make(map[string]chan bool),
	}
}

func (self *NotificationPool) IsListening(name string) bool {
	self.mu.Lock()
	_, pres := self.clients[name]
	self.mu.Unlock()

	return pres
}

// The returned channel is closed when name is notified. Call the
// returned func to stop listening.
func (self *NotificationPool) Listen(name string) (chan bool, func()) {
	new_c := make(chan bool)

	self.mu.Lock()

	// Close any old channels and make a new one. Only one listener
	// per name is supported.
	c, pres := self.clients[name]
	if pres {
		defer close(c)
		delete(self.clients, name)
	}
	self.clients[name] = new_c
	self.mu.Unlock()

	return new_c, func() {
		self.mu.Lock()
		c, pres := self.clients[name]
		if pres && c == new_c {
			defer close(c)
			delete(self.clients, name)
		}
		self.mu.Unlock()
	}
}

func (self *NotificationPool) Notify(name string) {
	self.mu.Lock()
	c, pres := self.clients[name]
	if pres {
		notificationCounter.Inc()
		defer close(c)
		delete(self.clients, name)
	}
	self.mu.Unlock()
}

// Listen for work on the named queue in this process.
func ListenForWork(queue string) (chan bool, func()) {
	return gPool.Listen("queue:" + queue)
}

func wakeQueue(queue string) {
	gPool.Notify("queue:" + queue)
}
