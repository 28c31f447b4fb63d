package auth

import "time"

// Claims are the fields the client reads from an access token payload.
// They are decoded without signature verification; the issuing service
// re-verifies the token on every privileged call.
type Claims struct {
	Subject        string
	Email          string
	ExpiresAt      *time.Time
	IssuerProvider string
	FirstName      string
	LastName       string
	Picture        string
}

// Identity is the signed-in user as the dashboard shows it.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"username"`
	AvatarURL   string `json:"profile_image,omitempty"`
}

// Session is what the session store holds for the current process.
type Session struct {
	AccessToken  string
	RefreshToken string
	Provider     string
	Identity     *Identity
}

// State is the authentication lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Redirect tells the presentation layer to send the user to the login page.
type Redirect struct {
	Path       string
	Reason     string
	RedirectTo string
}

const (
	LoginPath         = "/login"
	ReasonAuthFailed  = "Authentication failed. Please login again."
	ReasonLoginNeeded = "Registration successful! Please login."
)
