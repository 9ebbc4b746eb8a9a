package tele

import (
	"sync"

	"github.com/temoto/labpsu/internal/power"
)

// Sink receives poll results.
// Sink contract:
// - called from poller goroutine, must not block longer than short network wait
// - delivery is best effort, nothing is stored or replayed
// - consecutive is number of failures of this channel in a row, including this one
type Sink interface {
	Sample(id int, s power.Sample)
	Error(id int, err error, consecutive int)
}

type MultiSink []Sink

func (ms MultiSink) Sample(id int, s power.Sample) {
	for _, sink := range ms {
		sink.Sample(id, s)
	}
}

func (ms MultiSink) Error(id int, err error, consecutive int) {
	for _, sink := range ms {
		sink.Error(id, err, consecutive)
	}
}

// MockSink records everything, for tests.
type MockSink struct {
	mu      sync.Mutex
	Samples map[int][]power.Sample
	Errors  map[int][]error
	Last    map[int]int // consecutive failures from last Error
}

func NewMockSink() *MockSink {
	return &MockSink{
		Samples: make(map[int][]power.Sample),
		Errors:  make(map[int][]error),
		Last:    make(map[int]int),
	}
}

func (self *MockSink) Sample(id int, s power.Sample) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Samples[id] = append(self.Samples[id], s)
}

func (self *MockSink) Error(id int, err error, consecutive int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Errors[id] = append(self.Errors[id], err)
	self.Last[id] = consecutive
}

// Counts returns number of samples and errors of channel.
func (self *MockSink) Counts(id int) (samples, errs int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.Samples[id]), len(self.Errors[id])
}
