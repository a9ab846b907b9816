// Package secrets supplies the CloudFront signing key. Sources are tried at
// call time so a rotated mounted secret is picked up without a restart,
// unless wrapped in Cached.
package secrets

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoKey is returned when no key material has been configured.
var ErrNoKey = errors.New("no signing key configured")

// KeySource returns the RSA private key used to sign access policies.
type KeySource interface {
	PrivateKey(ctx context.Context) (*rsa.PrivateKey, error)
}

// PEMSource holds key material in memory, e.g. from the PRIVATE_KEY env var.
type PEMSource struct {
	PEM []byte
}

func (s PEMSource) PrivateKey(_ context.Context) (*rsa.PrivateKey, error) {
	return parsePEM(s.PEM)
}

// FileSource reads a PEM file on every call. Suited to secrets mounted by an
// external secret operator.
type FileSource struct {
	Path string
}

func (s FileSource) PrivateKey(_ context.Context) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return parsePEM(data)
}

// Cached loads the key once from the wrapped source and keeps it for the
// process lifetime. Failed loads are not cached.
type Cached struct {
	src KeySource
	mu  sync.Mutex
	key *rsa.PrivateKey
}

// NewCached wraps src with a per-process cache.
func NewCached(src KeySource) *Cached {
	return &Cached{src: src}
}

func (c *Cached) PrivateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.src.PrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	c.key = key
	return key, nil
}

// FromConfig picks a source: inline PEM first, then a key file. Environment
// values often carry literal "\n" sequences, which are expanded.
func FromConfig(inlinePEM, path string) (KeySource, error) {
	if inline := strings.TrimSpace(inlinePEM); inline != "" {
		return PEMSource{PEM: []byte(strings.ReplaceAll(inline, `\n`, "\n"))}, nil
	}
	if path != "" {
		return FileSource{Path: path}, nil
	}
	return nil, ErrNoKey
}

func parsePEM(data []byte) (*rsa.PrivateKey, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrNoKey
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing RSA private key: %w", err)
	}
	return key, nil
}
