package secrets

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKeyPEM(t *testing.T, pkcs8 bool) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatal(err)
		}
		return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func TestPEMSource(t *testing.T) {
	for _, pkcs8 := range []bool{false, true} {
		key, data := testKeyPEM(t, pkcs8)
		got, err := PEMSource{PEM: data}.PrivateKey(context.Background())
		if err != nil {
			t.Fatalf("PrivateKey (pkcs8=%v): %v", pkcs8, err)
		}
		if !got.Equal(key) {
			t.Errorf("parsed key does not match (pkcs8=%v)", pkcs8)
		}
	}
}

func TestPEMSourceEmpty(t *testing.T) {
	_, err := PEMSource{}.PrivateKey(context.Background())
	if !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestPEMSourceGarbage(t *testing.T) {
	_, err := PEMSource{PEM: []byte("not a key")}.PrivateKey(context.Background())
	if err == nil {
		t.Error("expected error for garbage PEM")
	}
}

func TestFileSource(t *testing.T) {
	key, data := testKeyPEM(t, false)
	path := filepath.Join(t.TempDir(), "cloudfront.pem")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	got, err := FileSource{Path: path}.PrivateKey(context.Background())
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if !got.Equal(key) {
		t.Error("parsed key does not match")
	}
}

func TestFileSourceMissing(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.pem")}.PrivateKey(context.Background())
	if err == nil {
		t.Error("expected error for missing file")
	}
}

type countingSource struct {
	calls int
	key   *rsa.PrivateKey
	err   error
}

func (c *countingSource) PrivateKey(context.Context) (*rsa.PrivateKey, error) {
	c.calls++
	return c.key, c.err
}

func TestCached(t *testing.T) {
	key, _ := testKeyPEM(t, false)
	src := &countingSource{err: errors.New("vault down")}
	cached := NewCached(src)

	if _, err := cached.PrivateKey(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}

	src.err = nil
	src.key = key
	for i := 0; i < 3; i++ {
		got, err := cached.PrivateKey(context.Background())
		if err != nil {
			t.Fatalf("PrivateKey: %v", err)
		}
		if got != key {
			t.Error("expected cached key")
		}
	}
	if src.calls != 2 {
		t.Errorf("expected 2 source calls (one failure, one load), got %d", src.calls)
	}
}

func TestFromConfig(t *testing.T) {
	key, data := testKeyPEM(t, false)
	escaped := strings.ReplaceAll(string(data), "\n", `\n`)

	src, err := FromConfig(escaped, "/ignored")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	got, err := src.PrivateKey(context.Background())
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if !got.Equal(key) {
		t.Error("escaped inline PEM should parse to the same key")
	}

	src, err = FromConfig("", "/run/secrets/cf.pem")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if fs, ok := src.(FileSource); !ok || fs.Path != "/run/secrets/cf.pem" {
		t.Errorf("expected FileSource, got %#v", src)
	}

	if _, err := FromConfig("", ""); !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}
