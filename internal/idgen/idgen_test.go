package idgen

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDGenerator_SortedWithinMillisecond(t *testing.T) {
	g := NewULIDGenerator()

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := g.Generate()
		require.NoError(t, err)
		require.NoError(t, g.Validate(id))
		ids = append(ids, id)
	}
	assert.True(t, sort.StringsAreSorted(ids))

	assert.Error(t, g.Validate("short"))
}

func TestSnowflakeGenerator_SequenceAndClock(t *testing.T) {
	g, err := NewSnowflakeGenerator(7, DefaultEpoch)
	require.NoError(t, err)

	clock := DefaultEpoch + 1000
	g.now = func() int64 { return clock }

	a, err := g.Generate()
	require.NoError(t, err)
	b, err := g.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	require.NoError(t, g.Validate(a))

	clock--
	_, err = g.Generate()
	assert.ErrorIs(t, err, errClockBackwards)

	_, err = NewSnowflakeGenerator(1024, DefaultEpoch)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "ulid", "snowflake", "uuid", "ksuid", "nanoid", "cuid2"} {
		g, err := New(kind, 1)
		require.NoError(t, err, kind)
		id, err := g.Generate()
		require.NoError(t, err)
		assert.NoError(t, g.Validate(id))
	}

	_, err := New("base58", 1)
	assert.Error(t, err)
}

func TestKSUIDGenerator_Validate(t *testing.T) {
	g := NewKSUIDGenerator()
	id, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, id, 27)
	require.NoError(t, g.Validate(id))

	assert.Error(t, g.Validate(id[:26]))
	assert.Error(t, g.Validate("!!!!!!!!!!!!!!!!!!!!!!!!!!!"))
}

func TestNanoIDGenerator_SizeAndAlphabet(t *testing.T) {
	g, err := NewNanoIDGenerator(8, "ab")
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		id, err := g.Generate()
		require.NoError(t, err)
		require.NoError(t, g.Validate(id))
		assert.Len(t, id, 8)
		assert.Empty(t, strings.Trim(id, "ab"))
		seen[id] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)

	assert.Error(t, g.Validate("abc"))
	assert.Error(t, g.Validate("abababaX"))

	_, err = NewNanoIDGenerator(0, DefaultNanoIDAlphabet)
	assert.Error(t, err)
	_, err = NewNanoIDGenerator(10, "a")
	assert.Error(t, err)
}

func TestCUID2Generator_Length(t *testing.T) {
	g, err := NewCUID2Generator(10)
	require.NoError(t, err)

	a, err := g.Generate()
	require.NoError(t, err)
	b, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, a, 10)
	assert.NotEqual(t, a, b)
	require.NoError(t, g.Validate(a))

	assert.Error(t, g.Validate(a[:9]))

	_, err = NewCUID2Generator(1)
	assert.Error(t, err)
	_, err = NewCUID2Generator(33)
	assert.Error(t, err)
}
