package session

// State is the position of the session in its lifecycle.
//
//	Unauthenticated --sign in--> Authenticated --timer--> Renewing
//	Renewing --renewed--> Authenticated
//	Renewing --failed--> Expired --reset--> Unauthenticated
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Renewing
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Renewing:
		return "renewing"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}
