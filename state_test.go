package duops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenStateRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	states := []OperationState{
		Created{},
		Yielded{},
		Waiting{Until: at},
		Retrying{At: at, RetryCount: 3},
		Finished{Result: `{"ok":true}`},
		Failed{Reason: "boom"},
	}
	for _, s := range states {
		t.Run(s.String(), func(t *testing.T) {
			rec := FlattenState(s)
			assert.Equal(t, s.Code(), rec.Code)
			back, err := rec.State()
			require.NoError(t, err)
			assert.Equal(t, s, back)
		})
	}
}

func TestStateRecordCorruption(t *testing.T) {
	for _, rec := range []StateRecord{
		{Code: StateWaiting},
		{Code: StateRetrying},
		{Code: StateFinished},
		{Code: StateCode(99)},
	} {
		_, err := rec.State()
		assert.ErrorIs(t, err, ErrStorage, "code %d", rec.Code)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Finished{}.IsTerminal())
	assert.True(t, Failed{}.IsTerminal())
	assert.True(t, StateFinished.IsTerminal())
	for _, s := range []OperationState{Created{}, Yielded{}, Waiting{}, Retrying{}} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

func TestSameState(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.True(t, SameState(Waiting{Until: at}, Waiting{Until: at.Add(400 * time.Microsecond)}), "sub-millisecond drift")
	assert.False(t, SameState(Waiting{Until: at}, Waiting{Until: at.Add(time.Millisecond)}))
	assert.False(t, SameState(Retrying{At: at, RetryCount: 1}, Retrying{At: at, RetryCount: 2}))
	assert.False(t, SameState(Finished{Result: "1"}, Finished{Result: "2"}))
	assert.False(t, SameState(Finished{Result: "1"}, Failed{Reason: "1"}))
	assert.True(t, SameState(Yielded{}, Yielded{}))
	assert.True(t, SameState(nil, nil))
	assert.False(t, SameState(Yielded{}, nil))
}
