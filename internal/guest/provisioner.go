// Package guest provisions anonymous accounts for device fingerprints. One
// device converges to one guest account and at most one free token grant, no
// matter how many concurrent or retried requests arrive; the guarantees rest
// on the identity provider's handle uniqueness and the ledger's conditional
// initialize, never on locks held here.
package guest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"veriscan.app/internal/device"
	"veriscan.app/internal/identity"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/obs"
)

var (
	// ErrDeviceRequired rejects provisioning without a device fingerprint.
	ErrDeviceRequired = errors.New("guest: device id is required")

	// ErrUnexpectedChallenge means the provider challenged authentication a
	// second time. The ladder answers exactly one new-credential challenge;
	// anything beyond that is a provider misconfiguration, not retryable.
	ErrUnexpectedChallenge = errors.New("guest: unexpected provider challenge")
)

const credentialContext = "guest-credential:"

// GuestHandle derives the synthetic account handle for a device. The sha256
// keeps raw fingerprints out of the identity provider.
func GuestHandle(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return identity.GuestPrefix + hex.EncodeToString(sum[:])[:32]
}

// Provisioner drives the external identity provider, the device tracker, and
// the token ledger to a terminal state for one device.
type Provisioner struct {
	provider      identity.Provider
	tracker       device.Tracker
	ledger        ledger.Service
	secret        []byte
	initialTokens int64
}

// Result is the terminal state of one provisioning run.
type Result struct {
	SubjectID          string
	AccessToken        string
	IDToken            string
	RefreshToken       string
	DeviceID           string
	DeviceLimitReached bool
	TokenBalance       int64
	Created            bool
}

// NewProvisioner wires the provisioner. credentialSecret keys the stateless
// guest credential derivation; initialTokens is the free allowance granted
// to the first guest on a device.
func NewProvisioner(provider identity.Provider, tracker device.Tracker, svc ledger.Service, credentialSecret string, initialTokens int64) *Provisioner {
	return &Provisioner{
		provider:      provider,
		tracker:       tracker,
		ledger:        svc,
		secret:        []byte(credentialSecret),
		initialTokens: initialTokens,
	}
}

// Provision runs the lookup/create/grant/authenticate ladder for a device.
// It is safe to call concurrently and to retry after any failure.
func (p *Provisioner) Provision(ctx context.Context, deviceID string) (*Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	handle := GuestHandle(deviceID)
	credential := p.credential(deviceID)

	found, err := p.lookup(ctx, handle, deviceID)
	if err != nil {
		return nil, err
	}

	created := false
	if found {
		// Re-establish the derived credential; provider-side resets or
		// expiry would otherwise strand the account.
		err := p.provider.SetCredential(ctx, handle, credential, true)
		switch {
		case err == nil:
		case errors.Is(err, identity.ErrNotFound):
			found = false
		default:
			return nil, fmt.Errorf("guest: reset credential: %w", err)
		}
	}
	if !found {
		_, err := p.provider.CreateAnonymousAccount(ctx, identity.AccountSeed{
			Handle:     handle,
			Credential: credential,
			Attributes: map[string]string{"kind": "guest", "device_id": deviceID},
		})
		switch {
		case err == nil:
			created = true
		case errors.Is(err, identity.ErrAlreadyExists):
			// Lost the create race; the surviving account is ours to use.
			if serr := p.provider.SetCredential(ctx, handle, credential, true); serr != nil {
				return nil, fmt.Errorf("guest: reset credential after race: %w", serr)
			}
		default:
			return nil, fmt.Errorf("guest: create account: %w", err)
		}
	}

	// The quota answer feeds both the response and the size of the initial
	// grant; tracker failures are tolerated as "not exhausted".
	exhausted, qerr := p.tracker.IsExhausted(ctx, deviceID)
	if qerr != nil {
		obs.Warn("guest_quota_lookup_failed", map[string]any{
			"device_id": deviceID,
			"error":     qerr.Error(),
		})
		exhausted = false
	}

	grant := p.initialTokens
	if exhausted {
		grant = 0
	}
	// Conditional insert: applied at most once per handle across every
	// concurrent and retried invocation. A zero grant still creates the
	// row so later balance reads are well-defined.
	balance, granted, err := p.ledger.Initialize(ctx, handle, grant)
	if err != nil {
		return nil, fmt.Errorf("guest: initialize balance: %w", err)
	}
	if granted && grant > 0 {
		obs.AddTokensGranted("initial", grant)
	}

	tokens, err := p.authenticate(ctx, handle, credential)
	if err != nil {
		return nil, err
	}

	return &Result{
		SubjectID:          handle,
		AccessToken:        tokens.AccessToken,
		IDToken:            tokens.IDToken,
		RefreshToken:       tokens.RefreshToken,
		DeviceID:           deviceID,
		DeviceLimitReached: exhausted,
		TokenBalance:       balance.Tokens,
		Created:            created,
	}, nil
}

// lookup resolves whether the guest account already exists. Lookup failures
// other than a clean miss fail open into the create path: if the account
// does exist the create collides with ErrAlreadyExists and converges anyway.
func (p *Provisioner) lookup(ctx context.Context, handle, deviceID string) (bool, error) {
	_, err := p.provider.FindByAttribute(ctx, "handle", handle)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, identity.ErrNotFound):
		return false, nil
	default:
		obs.Warn("guest_lookup_failed", map[string]any{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		return false, nil
	}
}

// authenticate runs the challenge ladder: at most one new-credential
// challenge is answered, a second challenge of any kind is fatal.
func (p *Provisioner) authenticate(ctx context.Context, handle, credential string) (*identity.TokenSet, error) {
	res, err := p.provider.Authenticate(ctx, handle, credential)
	if err != nil {
		return nil, fmt.Errorf("guest: authenticate: %w", err)
	}
	for attempt := 0; ; attempt++ {
		switch {
		case res == nil:
			return nil, errors.New("guest: provider returned empty auth result")
		case res.Tokens != nil:
			return res.Tokens, nil
		case res.Challenge == nil:
			return nil, errors.New("guest: provider returned neither tokens nor challenge")
		case attempt >= 1, res.Challenge.Name != identity.ChallengeNewCredential:
			return nil, ErrUnexpectedChallenge
		}
		res, err = p.provider.RespondToChallenge(ctx, res.Challenge, handle, credential)
		if err != nil {
			return nil, fmt.Errorf("guest: answer challenge: %w", err)
		}
	}
}

// credential derives the guest credential statelessly from the device id, so
// re-authentication needs no stored secret material.
func (p *Provisioner) credential(deviceID string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(credentialContext + deviceID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
