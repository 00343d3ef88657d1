package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL = 12 * time.Hour
	challengeTTL      = 5 * time.Minute
	sessionIssuer     = "agentforge"
)

type walletChallenge struct {
	message string
	expires time.Time
}

// walletAuth turns a personal_sign signature over a one-time challenge into a
// session token whose subject is the signing address.
type walletAuth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu         sync.Mutex
	challenges map[common.Address]walletChallenge
}

func newWalletAuth(secret string, ttl time.Duration) (*walletAuth, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &walletAuth{
		secret:     []byte(secret),
		ttl:        ttl,
		now:        time.Now,
		challenges: make(map[common.Address]walletChallenge),
	}, nil
}

// Challenge issues the message addr must sign. A new challenge replaces the old one.
func (a *walletAuth) Challenge(addr common.Address) string {
	now := a.now()
	msg := fmt.Sprintf("AgentForge sign-in\nAddress: %s\nNonce: %s\nIssued At: %s",
		addr.Hex(), uuid.NewString(), now.UTC().Format(time.RFC3339))

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, c := range a.challenges {
		if now.After(c.expires) {
			delete(a.challenges, k)
		}
	}
	a.challenges[addr] = walletChallenge{message: msg, expires: now.Add(challengeTTL)}
	return msg
}

// Verify consumes the pending challenge of addr and returns a session token.
func (a *walletAuth) Verify(addr common.Address, signature string) (string, time.Time, error) {
	a.mu.Lock()
	c, ok := a.challenges[addr]
	delete(a.challenges, addr)
	a.mu.Unlock()
	if !ok || a.now().After(c.expires) {
		return "", time.Time{}, fmt.Errorf("no pending challenge for %s", addr.Hex())
	}

	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", time.Time{}, fmt.Errorf("signature must be 65 hex encoded bytes")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(c.message)), sig)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid signature: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return "", time.Time{}, fmt.Errorf("signature does not match %s", addr.Hex())
	}

	now := a.now()
	exp := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   addr.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Caller validates a session token and returns its address.
func (a *walletAuth) Caller(tokenString string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("token subject is not an address")
	}
	return common.HexToAddress(claims.Subject), nil
}
