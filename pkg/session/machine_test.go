package session

import (
	"context"
	"testing"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type script struct {
	identity  []error
	exchange  []error
	meCalls   int
	exCalls   int
	edges     [][2]State
	lastToken string
}

func (s *script) machine() *machine {
	return &machine{
		identity: func(ctx context.Context, access string) (*api.User, error) {
			i := s.meCalls
			s.meCalls++
			s.lastToken = access
			if i < len(s.identity) && s.identity[i] != nil {
				return nil, s.identity[i]
			}
			return &api.User{ID: "u1"}, nil
		},
		exchange: func(ctx context.Context, refresh string) (*api.TokenPair, error) {
			i := s.exCalls
			s.exCalls++
			if i < len(s.exchange) && s.exchange[i] != nil {
				return nil, s.exchange[i]
			}
			return &api.TokenPair{AccessToken: "A2", RefreshToken: "R2"}, nil
		},
		log: zerolog.Nop(),
		observe: func(from, to State) {
			s.edges = append(s.edges, [2]State{from, to})
		},
	}
}

func expired() error { return fault.New(fault.TokenExpired, "api.me", nil) }

func TestMachine_ValidWithoutRefresh(t *testing.T) {
	s := &script{}
	r := s.machine().drive(context.Background(), newRun("A1", "R1"))

	assert.Equal(t, Valid, r.state)
	assert.Equal(t, "A1", r.access)
	assert.Nil(t, r.pair)
	assert.Equal(t, [][2]State{{Validating, Valid}}, s.edges)
}

func TestMachine_RefreshThenValid(t *testing.T) {
	s := &script{identity: []error{expired()}}
	r := s.machine().drive(context.Background(), newRun("A1", "R1"))

	assert.Equal(t, Valid, r.state)
	assert.Equal(t, "A2", r.access)
	assert.Equal(t, "R2", r.refresh)
	assert.Equal(t, "A2", s.lastToken)
	assert.Equal(t, 2, s.meCalls)
	assert.Equal(t, 1, s.exCalls)
	assert.Equal(t, [][2]State{
		{Validating, Refreshing},
		{Refreshing, Validating},
		{Validating, Valid},
	}, s.edges)
}

func TestMachine_ExactlyOneRetry(t *testing.T) {
	// the identity endpoint rejects every token
	s := &script{identity: []error{expired(), expired(), expired(), expired()}}
	r := s.machine().drive(context.Background(), newRun("A1", "R1"))

	assert.Equal(t, Invalid, r.state)
	assert.True(t, r.purge)
	assert.Equal(t, 2, s.meCalls)
	assert.Equal(t, 1, s.exCalls)
}

func TestMachine_RetryNonAuthFailurePurges(t *testing.T) {
	s := &script{identity: []error{expired(), fault.New(fault.ServerError, "api.me", nil)}}
	r := s.machine().drive(context.Background(), newRun("A1", "R1"))

	assert.Equal(t, Invalid, r.state)
	assert.True(t, r.purge)
}

func TestMachine_RefreshFailurePurges(t *testing.T) {
	for _, kind := range []fault.Kind{fault.TokenExpired, fault.InvalidToken, fault.NetworkError} {
		s := &script{
			identity: []error{expired()},
			exchange: []error{fault.New(kind, "api.refresh", nil)},
		}
		r := s.machine().drive(context.Background(), newRun("A1", "R1"))

		assert.Equal(t, Invalid, r.state, kind)
		assert.True(t, r.purge, kind)
		assert.Equal(t, 1, s.meCalls, kind)
	}
}

func TestMachine_NonAuthFailureKeepsCredentials(t *testing.T) {
	for _, kind := range []fault.Kind{fault.ServerError, fault.NetworkError, fault.Timeout, fault.Forbidden} {
		s := &script{identity: []error{fault.New(kind, "api.me", nil)}}
		r := s.machine().drive(context.Background(), newRun("A1", "R1"))

		assert.Equal(t, Invalid, r.state, kind)
		assert.False(t, r.purge, kind)
		assert.Equal(t, kind, fault.KindOf(r.err))
		assert.Equal(t, 0, s.exCalls, kind)
	}
}

func TestMachine_AuthFailureWithoutRefreshToken(t *testing.T) {
	s := &script{identity: []error{expired()}}
	r := s.machine().drive(context.Background(), newRun("A1", ""))

	assert.Equal(t, Invalid, r.state)
	assert.True(t, r.purge)
	assert.Equal(t, 0, s.exCalls)
}

func TestMachine_NoCredentials(t *testing.T) {
	s := &script{}
	r := s.machine().drive(context.Background(), newRun("", "R1"))

	assert.Equal(t, Invalid, r.state)
	assert.False(t, r.purge)
	assert.NoError(t, r.err)
	assert.Equal(t, 0, s.meCalls)
	assert.Equal(t, [][2]State{{NoCredentials, Invalid}}, s.edges)
}

func TestMachine_ResumeRun(t *testing.T) {
	s := &script{}
	r := s.machine().drive(context.Background(), newResumeRun("R1"))

	assert.Equal(t, Valid, r.state)
	assert.Equal(t, 1, s.exCalls)
	assert.Equal(t, 1, s.meCalls)
}

func TestRun_EnterRefusesSecondRefreshAndRetry(t *testing.T) {
	r := &run{state: Validating, refreshed: true}
	require.Error(t, r.enter(Refreshing))
	assert.Equal(t, Validating, r.state)

	r = &run{state: Refreshing, retried: true}
	require.Error(t, r.enter(Validating))

	r = &run{state: Valid}
	require.Error(t, r.enter(Refreshing))

	r = &run{state: Validating}
	require.NoError(t, r.enter(Refreshing))
	require.NoError(t, r.enter(Validating))
	assert.True(t, r.retried)
}

func TestState_Strings(t *testing.T) {
	assert.Equal(t, "refreshing", Refreshing.String())
	assert.Equal(t, "expired", Expired.String())
	assert.True(t, Invalid.Terminal())
	assert.False(t, Validating.Terminal())
}
