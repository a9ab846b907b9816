// Package cfsign issues CloudFront signed URLs using custom policies.
package cfsign

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maybehotcarl/unlock-broker/pkg/secrets"
)

// DefaultTTL is used when Issue is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

var (
	// ErrSigningUnavailable wraps key retrieval and signing failures.
	ErrSigningUnavailable = errors.New("signing unavailable")

	// ErrInvalidResource is returned for empty, absolute or traversing resource names.
	ErrInvalidResource = errors.New("invalid resource")

	// ErrBadSignature is returned by VerifyURL when the signature does not match.
	ErrBadSignature = errors.New("signature does not verify")
)

// Signer mints signed URLs for resources under a CloudFront domain.
type Signer struct {
	domain    string
	keyPairID string
	keys      secrets.KeySource
	now       func() time.Time
	log       logrus.FieldLogger
}

// New creates a Signer. domain is the distribution host (e.g. d111.cloudfront.net),
// keyPairID the public key id registered with CloudFront.
func New(domain, keyPairID string, keys secrets.KeySource, log logrus.FieldLogger) *Signer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Signer{
		domain:    strings.TrimSuffix(domain, "/"),
		keyPairID: keyPairID,
		keys:      keys,
		now:       time.Now,
		log:       log.WithField("component", "cfsign"),
	}
}

// ResourceURL turns a resource identifier such as "reports/q1.pdf" into the
// absolute https URL under the signer's domain. Path segments are escaped.
func (s *Signer) ResourceURL(resource string) (string, error) {
	resource = strings.TrimPrefix(strings.TrimSpace(resource), "/")
	if resource == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidResource)
	}
	if strings.Contains(resource, "://") {
		return "", fmt.Errorf("%w: absolute URL not allowed", ErrInvalidResource)
	}

	segments := strings.Split(resource, "/")
	for i, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad path segment %q", ErrInvalidResource, seg)
		}
		segments[i] = url.PathEscape(seg)
	}
	return "https://" + s.domain + "/" + strings.Join(segments, "/"), nil
}

// Issue signs access to resource for ttl (DefaultTTL if ttl <= 0). The caller
// must already have confirmed an active membership.
func (s *Signer) Issue(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	resourceURL, err := s.ResourceURL(resource)
	if err != nil {
		return "", err
	}
	expires := s.now().Unix() + int64(ttl/time.Second)
	return s.Sign(ctx, resourceURL, expires)
}

// Sign produces <resourceURL>?Policy=..&Signature=..&Key-Pair-Id=.. valid
// until the epoch second expires.
func (s *Signer) Sign(ctx context.Context, resourceURL string, expires int64) (string, error) {
	policy, err := NewPolicy(resourceURL, expires).Canonical()
	if err != nil {
		return "", fmt.Errorf("encoding policy: %w", err)
	}

	key, err := s.keys.PrivateKey(ctx)
	if err != nil {
		s.log.WithError(err).Error("signing key unavailable")
		return "", fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	digest := sha1.Sum(policy)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		s.log.WithError(err).Error("signing policy failed")
		return "", fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	return resourceURL +
		"?Policy=" + URLSafe(policy) +
		"&Signature=" + URLSafe(sig) +
		"&Key-Pair-Id=" + s.keyPairID, nil
}

// VerifyURL checks a signed URL against pub the way the CDN would and returns
// the embedded policy. It does not check expiry.
func VerifyURL(pub *rsa.PublicKey, signedURL string) (Policy, string, error) {
	u, err := url.Parse(signedURL)
	if err != nil {
		return Policy{}, "", fmt.Errorf("parsing URL: %w", err)
	}
	q := u.Query()

	policyBytes, err := DecodeURLSafe(q.Get("Policy"))
	if err != nil {
		return Policy{}, "", fmt.Errorf("decoding Policy: %w", err)
	}
	sig, err := DecodeURLSafe(q.Get("Signature"))
	if err != nil {
		return Policy{}, "", fmt.Errorf("decoding Signature: %w", err)
	}

	digest := sha1.Sum(policyBytes)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return Policy{}, "", ErrBadSignature
	}

	var policy Policy
	if err := json.Unmarshal(policyBytes, &policy); err != nil {
		return Policy{}, "", fmt.Errorf("parsing policy: %w", err)
	}

	u.RawQuery = ""
	if policy.Resource() != u.String() {
		return Policy{}, "", fmt.Errorf("policy resource %q does not match URL %q", policy.Resource(), u.String())
	}
	return policy, q.Get("Key-Pair-Id"), nil
}
