package link

import (
	"context"
	"io"
	"strings"
	"sync"
)

// FakePort is an in-memory byte stream for tests. Feed pushes inbound lines;
// Lines returns what was written.
type FakePort struct {
	mu      sync.Mutex
	written strings.Builder
	closed  bool

	r *io.PipeReader
	w *io.PipeWriter
}

func NewFakePort() *FakePort {
	r, w := io.Pipe()
	return &FakePort{r: r, w: w}
}

func (f *FakePort) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *FakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.written.Write(p)
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	_ = f.w.Close()
	return f.r.Close()
}

// Feed delivers one inbound line. It blocks until the reader consumed it.
func (f *FakePort) Feed(line string) error {
	_, err := io.WriteString(f.w, line+"\n")
	return err
}

// Fail makes the next read return err.
func (f *FakePort) Fail(err error) {
	_ = f.w.CloseWithError(err)
}

// Hangup simulates the remote end closing the stream.
func (f *FakePort) Hangup() {
	_ = f.w.Close()
}

func (f *FakePort) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Lines returns the written lines without terminators.
func (f *FakePort) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := strings.TrimSuffix(f.written.String(), "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// FakeDialer returns a DialFunc that hands out port, or fails with err.
func FakeDialer(port *FakePort, err error) DialFunc {
	return func(context.Context, Target) (io.ReadWriteCloser, error) {
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}
