package chaos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/normalize"
)

func rowAt(i int64) normalize.Row {
	return normalize.Row{"update_id": i, "timestamp": i, "receive_time": i}
}

func TestPassThrough(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1})
	require.NoError(t, err)
	out := e.Process(rowAt(1))
	require.Len(t, out, 1)
	assert.Equal(t, rowAt(1), out[0])
	assert.Empty(t, e.Flush())

	var nilEngine *Engine
	assert.Len(t, nilEngine.Process(rowAt(2)), 1)
}

func TestDropAndDuplicate(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DropRate: 1})
	require.NoError(t, err)
	assert.Empty(t, e.Process(rowAt(1)))

	e, err = NewEngine(Config{Seed: 1, DuplicateRate: 1})
	require.NoError(t, err)
	out := e.Process(rowAt(1))
	require.Len(t, out, 2)
	out[1]["update_id"] = int64(99)
	assert.Equal(t, int64(1), out[0]["update_id"], "duplicates do not share the map")
}

func TestReorderKeepsEveryRow(t *testing.T) {
	e, err := NewEngine(Config{Seed: 5, ReorderWindow: 4})
	require.NoError(t, err)

	var out []normalize.Row
	for i := int64(1); i <= 10; i++ {
		out = append(out, e.Process(rowAt(i))...)
	}
	assert.Len(t, out, 7)
	out = append(out, e.Flush()...)
	require.Len(t, out, 10)

	seen := make(map[int64]bool, len(out))
	for _, row := range out {
		seen[row["update_id"].(int64)] = true
	}
	assert.Len(t, seen, 10)
}

func TestDelayShiftsReceiveTime(t *testing.T) {
	e, err := NewEngine(Config{Seed: 9, MaxDelay: 50 * time.Millisecond})
	require.NoError(t, err)

	for i := int64(0); i < 100; i++ {
		in := rowAt(1_000_000_000)
		out := e.Process(in)
		require.Len(t, out, 1)
		recv := out[0]["receive_time"].(int64)
		assert.GreaterOrEqual(t, recv, int64(1_000_000_000))
		assert.LessOrEqual(t, recv, int64(1_050_000_000))
		assert.Equal(t, int64(1_000_000_000), in["receive_time"], "input row is left untouched")
	}
}

func TestValidate(t *testing.T) {
	_, err := NewEngine(Config{DropRate: 1.5})
	assert.Error(t, err)
	_, err = NewEngine(Config{DuplicateRate: -0.1})
	assert.Error(t, err)
	_, err = NewEngine(Config{MaxDelay: -time.Second})
	assert.Error(t, err)
	assert.Error(t, Config{}.Validate(), "a zero reorder window is only defaulted by NewEngine")
}
