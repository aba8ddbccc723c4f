package mqtt

import "sync"

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains everything that was published.
	Messages []Message

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Connected: true}
}

func (f *FakePublisher) Publish(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, msg)
	return nil
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Topics returns the topics of all recorded messages in order.
func (f *FakePublisher) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Messages))
	for i, m := range f.Messages {
		out[i] = m.Topic
	}
	return out
}
