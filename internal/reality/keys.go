// Package reality generates credentials for REALITY-based inbounds:
// X25519 key pairs and random short ids.
package reality

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/crypto/curve25519"

	"grimm.is/gatekeep/internal/logging"
)

// KeyPair holds an X25519 key pair in the base64 encoding xray expects.
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// GenerateKeyPair produces a fresh key pair. When the xray binary is on
// PATH its own generator is used, so the output matches what the panel
// would produce; otherwise the pair is derived locally.
func GenerateKeyPair(ctx context.Context) (*KeyPair, error) {
	if path, err := exec.LookPath("xray"); err == nil {
		pair, err := keyPairFromXray(ctx, path)
		if err == nil {
			return pair, nil
		}
		logging.Warn("xray key generation failed, deriving locally", "error", err)
	}
	return generateLocal()
}

func keyPairFromXray(ctx context.Context, path string) (*KeyPair, error) {
	out, err := exec.CommandContext(ctx, path, "x25519").Output()
	if err != nil {
		return nil, fmt.Errorf("xray x25519 failed: %w", err)
	}
	return parseXrayOutput(string(out))
}

// parseXrayOutput reads the "Private key:" / "Public key:" lines that
// `xray x25519` prints.
func parseXrayOutput(out string) (*KeyPair, error) {
	pair := &KeyPair{}
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "private key":
			pair.PrivateKey = strings.TrimSpace(value)
		case "public key", "password":
			pair.PublicKey = strings.TrimSpace(value)
		}
	}
	if pair.PrivateKey == "" || pair.PublicKey == "" {
		return nil, fmt.Errorf("unexpected xray x25519 output: %q", out)
	}
	return pair, nil
}

// generateLocal derives the pair with curve25519 directly. The scalar is
// clamped the way X25519 requires before the public key is computed.
func generateLocal() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeyPair{
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
	}, nil
}

const (
	// DefaultShortIDLength matches what the panel generates by default.
	DefaultShortIDLength = 8
	maxShortIDLength     = 16
)

// ShortID returns a random lowercase hex short id of n characters. Zero
// selects the default length; the REALITY protocol caps ids at 16 hex
// characters.
func ShortID(n int) (string, error) {
	if n == 0 {
		n = DefaultShortIDLength
	}
	if n < 1 || n > maxShortIDLength {
		return "", fmt.Errorf("short id length must be between 1 and %d, got %d", maxShortIDLength, n)
	}
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate short id: %w", err)
	}
	return hex.EncodeToString(buf)[:n], nil
}
