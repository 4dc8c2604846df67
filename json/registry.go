package json

import (
	"reflect"
	"sync"

	"github.com/Velocidex/json"
)

// Encoders are keyed by the concrete type they handle. Registering a
// type twice replaces the earlier encoder.
type encoderRegistry struct {
	mu       sync.Mutex
	order    []reflect.Type
	samples  map[reflect.Type]interface{}
	encoders map[reflect.Type]json.EncoderCallback
}

var registry = &encoderRegistry{
	samples:  make(map[reflect.Type]interface{}),
	encoders: make(map[reflect.Type]json.EncoderCallback),
}

func (self *encoderRegistry) register(sample interface{}, cb json.EncoderCallback) {
	self.mu.Lock()
	defer self.mu.Unlock()

	key := reflect.TypeOf(sample)
	_, pres := self.encoders[key]
	if !pres {
		self.order = append(self.order, key)
	}
	self.samples[key] = sample
	self.encoders[key] = cb
}

func (self *encoderRegistry) encOpts() *json.EncOpts {
	self.mu.Lock()
	defer self.mu.Unlock()

	opts := json.NewEncOpts()
	for _, key := range self.order {
		opts.WithCallback(self.samples[key], self.encoders[key])
	}
	return opts
}

// Register a custom encoder for the type of sample. Call from init().
func RegisterCustomEncoder(sample interface{}, cb json.EncoderCallback) {
	registry.register(sample, cb)
}

func NewEncOpts() *json.EncOpts {
	return registry.encOpts()
}
