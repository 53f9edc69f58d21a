package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/veilchat/veilchat-node/pkg/protocol"
)

// NonceSize is the length of the auth challenge nonce.
const NonceSize = 32

// authState tracks the one-shot challenge-response handshake. The
// challenge is spent by the first AuthResponse whatever its outcome; a
// failed attempt leaves the connection unauthenticated forever.
type authState int

const (
	// authDisabled: anonymous endpoint, no challenge was ever issued.
	authDisabled authState = iota
	// authChallenged: challenge sent, awaiting the single AuthResponse.
	authChallenged
	// authSpent: an AuthResponse has been evaluated.
	authSpent
)

// Handshake verification failures, one per wire error name.
var (
	errMalformedLogin = errors.New("login does not deserialize")
	errNonceMismatch  = errors.New("login nonce does not match challenge")
	errBadSignature   = errors.New("signature does not verify")
)

func newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// handleAuthResponse evaluates the one and only authentication attempt
// for this connection.
func (c *Conn) handleAuthResponse(p *protocol.AuthResponse) protocol.Payload {
	c.mu.Lock()
	switch c.auth {
	case authDisabled:
		c.mu.Unlock()
		return protocol.NewError(protocol.ErrorNameAuthDisabled, "this endpoint does not authenticate")
	case authSpent:
		c.mu.Unlock()
		return protocol.NewError(protocol.ErrorNameAlreadyAuthenticated, "challenge already consumed")
	}
	c.auth = authSpent
	nonce := c.nonce
	c.nonce = nil
	c.mu.Unlock()

	addr, err := verifyLogin(p, nonce)
	if err != nil {
		c.log.WithError(err).Info("authentication failed")
		if c.opts.OnAuthFailed != nil {
			c.opts.OnAuthFailed(c, err)
		}
		return authFailure(err)
	}

	c.mu.Lock()
	c.boundAddr = &addr
	c.mu.Unlock()

	c.log = c.log.WithField("address", addr.String())
	c.log.Debug("authenticated")

	if c.opts.OnAuthenticated != nil {
		c.opts.OnAuthenticated(c, addr)
	}
	return &protocol.Ack{}
}

// verifyLogin checks an AuthResponse against the issued nonce: the
// embedded Login must deserialize, echo the nonce, and carry a
// signature over the exact Login bytes that verifies against the
// identity key embedded in the claimed address.
func verifyLogin(p *protocol.AuthResponse, nonce []byte) (protocol.Address, error) {
	login, err := protocol.DecodeLogin(p.Login)
	if err != nil {
		return protocol.Address{}, fmt.Errorf("%w: %v", errMalformedLogin, err)
	}

	if subtle.ConstantTimeCompare(login.Nonce, nonce) != 1 {
		return protocol.Address{}, errNonceMismatch
	}

	pub, err := login.Address.IdentityKey()
	if err != nil {
		return protocol.Address{}, fmt.Errorf("%w: %v", errMalformedLogin, err)
	}
	if len(p.Signature) != ed25519.SignatureSize || !ed25519.Verify(pub, p.Login, p.Signature) {
		return protocol.Address{}, errBadSignature
	}

	return login.Address, nil
}

func authFailure(err error) *protocol.Error {
	switch {
	case errors.Is(err, errNonceMismatch):
		return protocol.NewError(protocol.ErrorNameNonceMismatch, err.Error())
	case errors.Is(err, errBadSignature):
		return protocol.NewError(protocol.ErrorNameBadSignature, err.Error())
	default:
		return protocol.NewError(protocol.ErrorNameMalformedLogin, err.Error())
	}
}
