package main

import (
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func (k keySigner) Sign(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, k.key)
}

// signChallenge is what a wallet does with the challenge: personal_sign.
func signChallenge(message string, k keySigner) (string, error) {
	sig, err := k.Sign(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func newTestWalletAuth(t *testing.T) *walletAuth {
	t.Helper()
	a, err := newWalletAuth("0123456789abcdef0123", time.Hour)
	if err != nil {
		t.Fatalf("new wallet auth: %v", err)
	}
	return a
}

func TestWalletAuthRoundTrip(t *testing.T) {
	t.Parallel()

	a := newTestWalletAuth(t)
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := a.Challenge(addr)
	if !strings.Contains(msg, addr.Hex()) {
		t.Fatalf("expected challenge to name the address, got %q", msg)
	}
	sig, err := signChallenge(msg, keySigner{key: key})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	token, exp, err := a.Verify(addr, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", exp)
	}
	got, err := a.Caller(token)
	if err != nil {
		t.Fatalf("caller: %v", err)
	}
	if got != addr {
		t.Fatalf("expected caller %s, got %s", addr.Hex(), got.Hex())
	}
}

func TestWalletAuthChallengeIsSingleUse(t *testing.T) {
	t.Parallel()

	a := newTestWalletAuth(t)
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := signChallenge(a.Challenge(addr), keySigner{key: key})

	if _, _, err := a.Verify(addr, sig); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, _, err := a.Verify(addr, sig); err == nil {
		t.Fatalf("expected replayed signature to be rejected")
	}
}

func TestWalletAuthRejectsForeignSignature(t *testing.T) {
	t.Parallel()

	a := newTestWalletAuth(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := signChallenge(a.Challenge(addr), keySigner{key: other})

	if _, _, err := a.Verify(addr, sig); err == nil {
		t.Fatalf("expected signature by another key to be rejected")
	}
	if _, _, err := a.Verify(addr, "0x1234"); err == nil {
		t.Fatalf("expected malformed signature to be rejected")
	}
}

func TestWalletAuthExpiredChallenge(t *testing.T) {
	t.Parallel()

	a := newTestWalletAuth(t)
	now := time.Now()
	a.now = func() time.Time { return now }
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := signChallenge(a.Challenge(addr), keySigner{key: key})

	a.now = func() time.Time { return now.Add(challengeTTL + time.Second) }
	if _, _, err := a.Verify(addr, sig); err == nil {
		t.Fatalf("expected expired challenge to be rejected")
	}
}

func TestWalletAuthRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	a := newTestWalletAuth(t)
	b, err := newWalletAuth("another-secret-of-length", time.Hour)
	if err != nil {
		t.Fatalf("new wallet auth: %v", err)
	}
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, _ := signChallenge(b.Challenge(addr), keySigner{key: key})
	token, _, err := b.Verify(addr, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := a.Caller(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
	if _, err := a.Caller("not-a-jwt"); err == nil {
		t.Fatalf("expected garbage token to be rejected")
	}
}

func TestNewWalletAuthRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := newWalletAuth("short", time.Hour); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
