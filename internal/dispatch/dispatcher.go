// Package dispatch is the single path by which commands reach the wire.
package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/protocol"
)

var ErrNotConnected = errors.New("not connected")

// InvalidCommandError is returned when a command fails its shape check.
type InvalidCommandError struct {
	Command string
	Kind    protocol.Kind
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid %s command: %q", e.Kind, e.Command)
}

// Link is the byte transport as seen by the dispatcher.
type Link interface {
	Connected() bool
	WriteLine(line string) error
}

type Journal interface {
	Append(msg string)
}

type Options struct {
	ValidateMotorCommands bool
	// OnSent is called after a command was written.
	OnSent func(cmd string)
}

type Dispatcher struct {
	link    Link
	journal Journal
	logger  *zap.Logger
	opts    Options
}

func New(link Link, journal Journal, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		link:    link,
		journal: journal,
		logger:  logger,
		opts:    opts,
	}
}

// Send validates and writes one command line. Valve commands are always
// shape checked; motor commands only when configured. Bare tokens pass
// through untouched.
func (d *Dispatcher) Send(cmd string) error {
	if !d.link.Connected() {
		return ErrNotConnected
	}

	cmd = strings.TrimSpace(cmd)
	if err := d.validate(cmd); err != nil {
		d.logger.Warn("Rejected outbound command", zap.String("command", cmd), zap.Error(err))
		return err
	}

	if err := d.link.WriteLine(cmd); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}

	d.journal.Append("Sent: " + cmd)
	d.logger.Debug("Command sent", zap.String("command", cmd))

	if d.opts.OnSent != nil {
		d.opts.OnSent(cmd)
	}
	return nil
}

func (d *Dispatcher) validate(cmd string) error {
	if cmd == "" {
		return &InvalidCommandError{Command: cmd, Kind: protocol.KindToken}
	}

	switch kind := protocol.Classify(cmd); kind {
	case protocol.KindValve:
		if !protocol.ValidateValveCommand(cmd) {
			return &InvalidCommandError{Command: cmd, Kind: kind}
		}
	case protocol.KindMotor:
		if d.opts.ValidateMotorCommands && !protocol.ValidateMotorCommand(cmd) {
			return &InvalidCommandError{Command: cmd, Kind: kind}
		}
	}
	return nil
}
