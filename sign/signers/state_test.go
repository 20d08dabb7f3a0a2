package signers

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateReserved, true},
		{StateReserved, StateDigesting, true},
		{StateDigesting, StateSigned, true},
		{StateSigned, StateTimestamped, true},
		{StateTimestamped, StateFinalized, true},
		{StateIdle, StateSigned, false},
		{StateReserved, StateTimestamped, false},
		{StateSigned, StateReserved, false},
		{StateDigesting, StateFailed, true},
		{StateFinalized, StateFailed, false},
		{StateFailed, StateIdle, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestOperationRejectsIllegalTransition(t *testing.T) {
	op := newOperation(slog.New(slog.DiscardHandler))
	require.NoError(t, op.advance(StateReserved))
	err := op.advance(StateSigned)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateReserved, op.State())

	e := op.fail(ErrCMSBuild, "sign", errors.New("boom"))
	assert.Equal(t, StateReserved, e.State, "error records the state it failed in")
	assert.Equal(t, StateFailed, op.State())
	assert.ErrorIs(t, op.advance(StateDigesting), ErrIllegalTransition)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Timestamped", StateTimestamped.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateSigned.Terminal())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := error(newError(ErrTimestamp, "timestamp", StateSigned, cause))
	assert.ErrorIs(t, err, ErrTimestamp)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCMSBuild)
	assert.Equal(t, "timestamp: timestamp failure (state Signed): socket closed", err.Error())

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, StateSigned, e.State)
	assert.Len(t, newError(ErrIO, "x", StateIdle, nil).Unwrap(), 1)
}
