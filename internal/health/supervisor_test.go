package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portel-dev/ncp/internal/domain"
)

func TestSetStateFiresOnChangeOnlyOnTransition(t *testing.T) {
	s := New(nil)
	var transitions int
	s.OnStateChanged(func(name string, from, to domain.ServerState) {
		transitions++
	})

	s.SetState("git", domain.StateHealthy)
	s.SetState("git", domain.StateHealthy)
	s.SetState("git", domain.StateDegraded)

	require.Equal(t, 2, transitions)
	require.Equal(t, domain.StateDegraded, s.State("git"))
}

func TestStateDefaultsToStarting(t *testing.T) {
	s := New(nil)
	require.Equal(t, domain.StateStarting, s.State("unknown"))
}

func TestForgetDropsState(t *testing.T) {
	s := New(nil)
	s.SetState("git", domain.StateHealthy)
	s.Forget("git")
	require.Equal(t, domain.StateStarting, s.State("git"))
}

func TestReconnectHaltsOnContextCancel(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Reconnect(ctx, "git", func(context.Context) error {
		return errors.New("unreachable")
	})
	require.Error(t, err)
}

func TestReconnectSucceedsEventually(t *testing.T) {
	t.Setenv("NCP_RECONNECT_BASE_DELAY", "1ms")
	s := New(nil)
	attempts := 0

	err := s.Reconnect(context.Background(), "git", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, domain.StateHealthy, s.State("git"))
	require.GreaterOrEqual(t, attempts, 2)
}
