package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatMessage_Before(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &ChatMessage{ID: "a", CreatedAt: t0}
	b := &ChatMessage{ID: "b", CreatedAt: t0}
	c := &ChatMessage{ID: "0", CreatedAt: t0.Add(time.Millisecond)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.False(t, a.Before(a))
}

func TestTimeout_Boundary(t *testing.T) {
	exp := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	to := &Timeout{ExpiresAt: exp}

	assert.True(t, to.ActiveAt(exp.Add(-time.Nanosecond)))
	assert.False(t, to.ActiveAt(exp))
	assert.False(t, to.ActiveAt(exp.Add(time.Second)))

	assert.Equal(t, time.Minute, to.Remaining(exp.Add(-time.Minute)))
	assert.Zero(t, to.Remaining(exp))
}

func TestProfile_Name(t *testing.T) {
	assert.Equal(t, "alice", (&Profile{Username: "alice"}).Name())
	assert.Equal(t, "Alice A.", (&Profile{Username: "alice", DisplayName: "Alice A."}).Name())
}
