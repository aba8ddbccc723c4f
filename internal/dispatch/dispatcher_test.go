package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLink struct {
	connected bool
	written   []string
	err       error
}

func (f *fakeLink) Connected() bool { return f.connected }

func (f *fakeLink) WriteLine(line string) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, line)
	return nil
}

type sliceJournal []string

func (j *sliceJournal) Append(msg string) { *j = append(*j, msg) }

func TestSend_NotConnected(t *testing.T) {
	link := &fakeLink{}
	journal := &sliceJournal{}
	d := New(link, journal, zaptest.NewLogger(t), Options{})

	err := d.Send("V,1,O")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, link.written)
	assert.Empty(t, *journal)
}

func TestSend_Valid(t *testing.T) {
	link := &fakeLink{connected: true}
	journal := &sliceJournal{}
	var sent []string
	d := New(link, journal, nil, Options{OnSent: func(c string) { sent = append(sent, c) }})

	for _, cmd := range []string{"V,3,C", "3,0,O", "M,2,270", "SEQ_SHUTDOWN", "DIAG_THROTTLE"} {
		require.NoError(t, d.Send(cmd), cmd)
	}

	assert.Equal(t, []string{"V,3,C", "3,0,O", "M,2,270", "SEQ_SHUTDOWN", "DIAG_THROTTLE"}, link.written)
	assert.Equal(t, "Sent: V,3,C", (*journal)[0])
	assert.Len(t, sent, 5)
}

func TestSend_InvalidValve(t *testing.T) {
	link := &fakeLink{connected: true}
	d := New(link, &sliceJournal{}, nil, Options{})

	for _, cmd := range []string{"3,0,X", "3,O", "V,x,O"} {
		err := d.Send(cmd)
		var invalid *InvalidCommandError
		require.True(t, errors.As(err, &invalid), cmd)
	}
	assert.Empty(t, link.written)
}

func TestSend_MotorValidationFlag(t *testing.T) {
	link := &fakeLink{connected: true}
	d := New(link, &sliceJournal{}, nil, Options{ValidateMotorCommands: true})

	assert.Error(t, d.Send("M,2,270"))
	assert.NoError(t, d.Send("M,2,90"))
	assert.Equal(t, []string{"M,2,90"}, link.written)
}

func TestSend_WriteError(t *testing.T) {
	link := &fakeLink{connected: true, err: errors.New("broken pipe")}
	journal := &sliceJournal{}
	d := New(link, journal, nil, Options{})

	err := d.Send("SEQ_SHUTDOWN")
	assert.Error(t, err)
	assert.Empty(t, *journal)
}
