package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_EvictsSilentConnection(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, nil)

	alice, aliceConn := connect(m)
	bob, bobConn := connect(m)
	claim(t, m, alice, "alice")
	claim(t, m, bob, "bob")
	drain(bob)

	// alice's peer disappears without a close frame.
	aliceConn.goSilent()

	assert.Equal(t, 0, m.Supervisor.Probe(ctx), "first round only sends pings")
	assert.True(t, m.Registry.Contains(alice))

	assert.Equal(t, 1, m.Supervisor.Probe(ctx))
	assert.False(t, m.Registry.Contains(alice))
	assert.True(t, m.Registry.Contains(bob))
	assert.True(t, aliceConn.isClosed())
	assert.False(t, bobConn.isClosed())

	left := framesOfType(drain(bob), EventUserLeft)
	require.Len(t, left, 1)
	var who MembershipPayload
	left[0].decode(t, &who)
	assert.Equal(t, "alice", who.Username)

	assert.Equal(t, 0, m.Supervisor.Probe(ctx))
	assert.Empty(t, framesOfType(drain(bob), EventUserLeft), "departure is announced once")
}

func TestSupervisor_ResponsiveConnectionSurvives(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, nil)
	c, conn := connect(m)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, m.Supervisor.Probe(ctx))
	}
	assert.True(t, m.Registry.Contains(c))
	conn.mu.Lock()
	assert.Equal(t, 5, conn.pings)
	conn.mu.Unlock()
	assert.False(t, c.LastPong().IsZero())
}

func TestSupervisor_EvictsSuspectConnection(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, nil)
	c, _ := connect(m)

	c.MarkSuspect()
	assert.Equal(t, 1, m.Supervisor.Probe(ctx))
	assert.False(t, m.Registry.Contains(c))
}

func TestSupervisor_EvictsOnPingFailure(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, nil)
	c, conn := connect(m)
	conn.mu.Lock()
	conn.pingErr = errors.New("broken pipe")
	conn.mu.Unlock()

	assert.Equal(t, 1, m.Supervisor.Probe(ctx))
	assert.False(t, m.Registry.Contains(c))
}
