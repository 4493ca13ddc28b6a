package session

import (
	"context"
	"fmt"

	"git.sr.ht/~jakintosh/sessionkit/pkg/api"
	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
	"github.com/rs/zerolog"
)

// transitions lists every legal edge of the machine.
var transitions = map[State][]State{
	NoCredentials: {Invalid},
	Validating:    {Valid, Refreshing, Invalid},
	Refreshing:    {Validating, Invalid},
}

// run is one pass of the machine. refreshed and retried only ever go from
// false to true, and enter refuses the edges they close.
type run struct {
	state     State
	access    string
	refresh   string
	pair      *api.TokenPair
	user      *api.User
	refreshed bool
	retried   bool
	purge     bool
	err       error
}

func newRun(access string, refresh string) *run {
	r := &run{state: NoCredentials, access: access, refresh: refresh}
	if access != "" {
		r.state = Validating
	}
	return r
}

// newResumeRun starts from a refresh token alone.
func newResumeRun(refresh string) *run {
	return &run{state: Refreshing, refresh: refresh}
}

func (r *run) enter(next State) error {
	legal := false
	for _, s := range transitions[r.state] {
		if s == next {
			legal = true
			break
		}
	}
	switch {
	case !legal:
		return fmt.Errorf("illegal transition %s -> %s", r.state, next)
	case next == Refreshing && r.refreshed:
		return fmt.Errorf("second refresh refused")
	case next == Validating && r.retried:
		return fmt.Errorf("second retry refused")
	}
	if next == Validating {
		r.retried = true
	}
	r.state = next
	return nil
}

// exchangeFunc swaps a refresh token for a new pair and persists it.
type exchangeFunc func(ctx context.Context, refresh string) (*api.TokenPair, error)

type identityFunc func(ctx context.Context, access string) (*api.User, error)

type machine struct {
	identity identityFunc
	exchange exchangeFunc
	log      zerolog.Logger
	observe  func(from State, to State)
}

// drive steps r until it reaches a terminal state. Every backend call is
// made at most once per edge, so a run performs at most one refresh and at
// most one retried identity fetch.
func (m *machine) drive(ctx context.Context, r *run) *run {
	for !r.state.Terminal() {
		from := r.state
		var err error
		switch r.state {
		case NoCredentials:
			err = r.enter(Invalid)
		case Validating:
			err = m.validate(ctx, r)
		case Refreshing:
			err = m.refresh(ctx, r)
		}
		if err != nil {
			// unreachable with a consistent transition table
			m.log.Error().Err(err).Str("state", from.String()).Msg("session machine halted")
			r.state, r.purge, r.err = Invalid, false, err
		}
		m.log.Debug().
			Str("from", from.String()).
			Str("to", r.state.String()).
			Msg("session transition")
		if m.observe != nil {
			m.observe(from, r.state)
		}
	}
	return r
}

func (m *machine) validate(ctx context.Context, r *run) error {
	user, err := m.identity(ctx, r.access)
	switch {
	case err == nil:
		r.user, r.err = user, nil
		return r.enter(Valid)

	case fault.IsAuth(err) && r.refresh != "" && !r.refreshed:
		r.err = err
		return r.enter(Refreshing)

	case fault.IsAuth(err), r.refreshed:
		// rejected outright, or the retry after a refresh failed
		r.err, r.purge = err, true
		return r.enter(Invalid)

	default:
		// could not tell; keep what is stored
		r.err, r.purge = err, false
		return r.enter(Invalid)
	}
}

func (m *machine) refresh(ctx context.Context, r *run) error {
	r.refreshed = true
	pair, err := m.exchange(ctx, r.refresh)
	if err != nil {
		r.err, r.purge = err, true
		return r.enter(Invalid)
	}
	r.pair = pair
	r.access, r.refresh = pair.AccessToken, pair.RefreshToken
	return r.enter(Validating)
}
