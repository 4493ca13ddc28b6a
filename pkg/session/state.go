package session

// State is a step of the initialization machine.
type State int

const (
	NoCredentials State = iota
	Validating
	Refreshing
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case NoCredentials:
		return "no_credentials"
	case Validating:
		return "validating"
	case Refreshing:
		return "refreshing"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == Valid || s == Invalid
}

// Status is the session as seen by consumers.
type Status int

const (
	Unauthenticated Status = iota
	Authenticating
	Authenticated
	// Expired means the held access token is past its expiry and has not
	// been refreshed yet.
	Expired
)

func (s Status) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	}
	return "unknown"
}
