package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"veriscan.app/internal/ids"
)

const (
	localIssuer    = "veriscan-identity"
	localAccessTTL = time.Hour
)

// Local is an in-process Provider with bcrypt-hashed credentials and
// HS256-signed tokens. It backs development and tests. Accounts it creates
// start with a temporary credential, so the first authentication returns a
// new-credential-required challenge the way hosted providers do.
type Local struct {
	mu       sync.Mutex
	accounts map[string]*localAccount
	sessions map[string]string
	secret   []byte
	now      func() time.Time
}

type localAccount struct {
	handle     string
	hash       string
	attributes map[string]string
	temporary  bool
	createdAt  time.Time
}

var _ Provider = (*Local)(nil)

// NewLocal constructs a Local provider. An empty secret gets replaced with a
// random one, which is fine as long as tokens are resolved in-process.
func NewLocal(secret string) *Local {
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		key = []byte(randomToken(32))
	}
	return &Local{
		accounts: make(map[string]*localAccount),
		sessions: make(map[string]string),
		secret:   key,
		now:      time.Now,
	}
}

// SigningSecret exposes the HS256 secret so a Resolver can verify locally
// minted tokens.
func (l *Local) SigningSecret() string { return string(l.secret) }

func (l *Local) CreateAnonymousAccount(ctx context.Context, seed AccountSeed) (*Account, error) {
	handle := strings.TrimSpace(seed.Handle)
	if handle == "" {
		return nil, errors.New("identity: handle is required")
	}
	if seed.Credential == "" {
		return nil, ErrInvalidCredential
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(seed.Credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[handle]; ok {
		return nil, ErrAlreadyExists
	}
	acc := &localAccount{
		handle:     handle,
		hash:       string(hash),
		attributes: copyAttributes(seed.Attributes),
		temporary:  true,
		createdAt:  l.now().UTC(),
	}
	l.accounts[handle] = acc
	return acc.snapshot(), nil
}

func (l *Local) Authenticate(ctx context.Context, handle, credential string) (*AuthResult, error) {
	handle = strings.TrimSpace(handle)

	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[handle]
	if !ok {
		return nil, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.hash), []byte(credential)); err != nil {
		return nil, ErrInvalidCredential
	}
	if acc.temporary {
		session := randomToken(24)
		l.sessions[session] = handle
		return &AuthResult{Challenge: &Challenge{Name: ChallengeNewCredential, Session: session}}, nil
	}
	tokens, err := l.mintTokens(handle)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Tokens: tokens}, nil
}

func (l *Local) RespondToChallenge(ctx context.Context, challenge *Challenge, handle, newCredential string) (*AuthResult, error) {
	if challenge == nil || challenge.Name != ChallengeNewCredential {
		return nil, ErrChallengeFailed
	}
	if newCredential == "" {
		return nil, ErrInvalidCredential
	}
	handle = strings.TrimSpace(handle)

	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.sessions[challenge.Session]
	if !ok || owner != handle {
		return nil, ErrChallengeFailed
	}
	acc, ok := l.accounts[handle]
	if !ok {
		return nil, ErrNotFound
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newCredential), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc.hash = string(hash)
	acc.temporary = false
	delete(l.sessions, challenge.Session)

	tokens, err := l.mintTokens(handle)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Tokens: tokens}, nil
}

func (l *Local) SetCredential(ctx context.Context, handle, credential string, permanent bool) error {
	handle = strings.TrimSpace(handle)
	if credential == "" {
		return ErrInvalidCredential
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[handle]
	if !ok {
		return ErrNotFound
	}
	acc.hash = string(hash)
	acc.temporary = !permanent
	return nil
}

func (l *Local) FindByAttribute(ctx context.Context, key, value string) (*Account, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return nil, ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "handle" {
		if acc, ok := l.accounts[value]; ok {
			return acc.snapshot(), nil
		}
		return nil, ErrNotFound
	}
	for _, acc := range l.accounts {
		if acc.attributes[key] == value {
			return acc.snapshot(), nil
		}
	}
	return nil, ErrNotFound
}

// mintTokens signs an access and an id token for the handle. Callers hold
// l.mu.
func (l *Local) mintTokens(handle string) (*TokenSet, error) {
	now := l.now().UTC()
	mint := func(use string) (string, error) {
		claims := Claims{
			Username: handle,
			TokenUse: use,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    localIssuer,
				Subject:   handle,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(localAccessTTL)),
				ID:        ids.New(),
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	}

	access, err := mint("access")
	if err != nil {
		return nil, err
	}
	id, err := mint("id")
	if err != nil {
		return nil, err
	}
	return &TokenSet{
		AccessToken:  access,
		IDToken:      id,
		RefreshToken: randomToken(32),
		ExpiresIn:    int64(localAccessTTL.Seconds()),
	}, nil
}

func (a *localAccount) snapshot() *Account {
	status := "active"
	if a.temporary {
		status = "pending"
	}
	return &Account{
		Handle:     a.handle,
		Status:     status,
		Attributes: copyAttributes(a.attributes),
		CreatedAt:  a.createdAt,
	}
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("identity: rand.Read failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
