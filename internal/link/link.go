// Package link is the byte transport to the stand controller: a local serial
// port or a TCP serial bridge, framed into newline-terminated lines.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"

	DefaultBaudRate    = 9600
	DefaultDialTimeout = 5 * time.Second
	// bounds writes to a TCP bridge; serial writes land in the driver buffer
	DefaultWriteTimeout = 2 * time.Second
	maxLineLength       = 64 * 1024
)

var ErrAlreadyConnected = errors.New("link already connected")

// Target names the endpoint to open.
type Target struct {
	Transport   string        `json:"transport"`
	Port        string        `json:"port,omitempty"`
	Address     string        `json:"address,omitempty"`
	BaudRate    int           `json:"baud_rate,omitempty"`
	DialTimeout time.Duration `json:"-"`
}

// String returns the operator facing name of the endpoint.
func (t Target) String() string {
	if t.Transport == TransportTCP {
		return t.Address
	}
	return t.Port
}

func (t Target) Validate() error {
	switch t.Transport {
	case TransportSerial, "":
		if t.Port == "" {
			return errors.New("no serial port selected")
		}
	case TransportTCP:
		if t.Address == "" {
			return errors.New("no bridge address configured")
		}
	default:
		return fmt.Errorf("unknown transport: %s", t.Transport)
	}
	return nil
}

type EventKind string

const (
	EventLine   EventKind = "line"
	EventError  EventKind = "error"
	EventClosed EventKind = "closed"
)

// Event is delivered from the reader goroutine. Consumers must not block.
type Event struct {
	Kind EventKind
	Line string
	Err  error
}

// DialFunc opens the raw byte stream for a target.
type DialFunc func(ctx context.Context, target Target) (io.ReadWriteCloser, error)

// Dial opens a serial port (8N1) or a TCP connection to a serial bridge.
func Dial(ctx context.Context, target Target) (io.ReadWriteCloser, error) {
	switch target.Transport {
	case TransportTCP:
		timeout := target.DialTimeout
		if timeout <= 0 {
			timeout = DefaultDialTimeout
		}
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", target.Address)
	default:
		baud := target.BaudRate
		if baud <= 0 {
			baud = DefaultBaudRate
		}
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(target.Port, mode)
		if err != nil {
			return nil, describeSerialError(err)
		}
		return port, nil
	}
}

func describeSerialError(err error) error {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return err
	}
	switch portErr.Code() {
	case serial.PortNotFound:
		return fmt.Errorf("port not found: %w", err)
	case serial.PortBusy:
		return fmt.Errorf("port busy: %w", err)
	case serial.PermissionDenied:
		return fmt.Errorf("permission denied: %w", err)
	case serial.InvalidSpeed:
		return fmt.Errorf("unsupported baud rate: %w", err)
	default:
		return err
	}
}

// ListPorts enumerates the serial ports of the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Manager owns at most one open connection. Writes are serialised; reads
// happen on a dedicated goroutine that reports through onEvent.
type Manager struct {
	mu      sync.Mutex
	status  Status
	target  Target
	conn    io.ReadWriteCloser
	gen     uint64
	dial    DialFunc
	onEvent func(Event)
	logger  *zap.Logger
	wg      sync.WaitGroup

	// writeMu keeps lines whole; mu is never held across I/O
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func NewManager(dial DialFunc, onEvent func(Event), logger *zap.Logger) *Manager {
	if dial == nil {
		dial = Dial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		status:       StatusDisconnected,
		dial:         dial,
		onEvent:      onEvent,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

func (m *Manager) Target() Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Open dials target and starts the reader. It blocks for the duration of the dial.
func (m *Manager) Open(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.status = StatusConnecting
	m.target = target
	m.mu.Unlock()

	conn, err := m.dial(ctx, target)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.status = StatusDisconnected
		return err
	}
	m.conn = conn
	m.status = StatusConnected
	m.gen++

	m.logger.Info("Link connected",
		zap.String("transport", target.Transport),
		zap.String("endpoint", target.String()))

	m.wg.Add(1)
	go m.readLoop(conn, m.gen)
	return nil
}

// Close shuts the current connection. Closing an idle manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.gen++
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	m.wg.Wait()
	return err
}

// WriteLine appends a newline and writes the whole line. Connections with
// write deadlines (TCP bridges) give up after the write timeout.
func (m *Manager) WriteLine(line string) error {
	m.mu.Lock()
	conn := m.conn
	connected := conn != nil && m.status == StatusConnected
	m.mu.Unlock()

	if !connected {
		return errors.New("link is not connected")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if d, ok := conn.(writeDeadliner); ok && m.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		m.logger.Warn("Link write failed", zap.String("line", line), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) readLoop(conn io.ReadWriteCloser, gen uint64) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !m.current(gen) {
			return
		}
		m.emit(Event{Kind: EventLine, Line: line})
	}

	// a deliberate Close bumps the generation and is not reported
	if !m.drop(gen) {
		return
	}

	if err := scanner.Err(); err != nil {
		m.logger.Warn("Link read failed", zap.Error(err))
		m.emit(Event{Kind: EventError, Err: err})
		return
	}
	m.emit(Event{Kind: EventClosed})
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// drop marks the connection of generation gen as gone. It reports false when
// the connection was already replaced or closed.
func (m *Manager) drop(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.status = StatusDisconnected
	m.gen++
	return true
}

func (m *Manager) emit(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}
