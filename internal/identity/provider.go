package identity

import (
	"context"
	"time"
)

// ChallengeNewCredential asks the caller to replace a temporary credential
// before tokens are issued. It is the only challenge the service answers.
const ChallengeNewCredential = "new-credential-required"

// Account is the provider's view of one subject record.
type Account struct {
	Handle     string            `json:"handle"`
	Status     string            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// AccountSeed carries everything needed to create an account.
type AccountSeed struct {
	Handle     string            `json:"handle"`
	Credential string            `json:"credential"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TokenSet is the credential bundle minted on successful authentication.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Challenge is returned when authentication needs another round trip.
type Challenge struct {
	Name    string `json:"name"`
	Session string `json:"session"`
}

// AuthResult carries either minted tokens or a challenge to answer, never
// both.
type AuthResult struct {
	Tokens    *TokenSet  `json:"tokens,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Provider is the external identity service the guest provisioner drives.
// Implementations must make CreateAnonymousAccount report ErrAlreadyExists
// on handle collisions; the provisioner relies on that to collapse races.
type Provider interface {
	CreateAnonymousAccount(ctx context.Context, seed AccountSeed) (*Account, error)
	Authenticate(ctx context.Context, handle, credential string) (*AuthResult, error)
	RespondToChallenge(ctx context.Context, challenge *Challenge, handle, newCredential string) (*AuthResult, error)
	SetCredential(ctx context.Context, handle, credential string, permanent bool) error
	FindByAttribute(ctx context.Context, key, value string) (*Account, error)
}
