package cfsign

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Policy is a CloudFront custom policy granting access to one resource until
// an expiry instant. Field order in these structs is the serialization order.
type Policy struct {
	Statement []Statement `json:"Statement"`
}

// Statement grants access to Resource while Condition holds.
type Statement struct {
	Resource  string    `json:"Resource"`
	Condition Condition `json:"Condition"`
}

// Condition bounds a statement in time.
type Condition struct {
	DateLessThan EpochTime `json:"DateLessThan"`
}

// EpochTime is a Unix timestamp in seconds.
type EpochTime struct {
	EpochTime int64 `json:"AWS:EpochTime"`
}

// NewPolicy builds a single-statement policy for resourceURL expiring at expires.
func NewPolicy(resourceURL string, expires int64) Policy {
	return Policy{Statement: []Statement{{
		Resource:  resourceURL,
		Condition: Condition{DateLessThan: EpochTime{EpochTime: expires}},
	}}}
}

// Canonical returns the exact bytes that get signed: compact JSON with the
// struct field order above and no HTML escaping, e.g.
//
//	{"Statement":[{"Resource":"https://d.example/a.pdf","Condition":{"DateLessThan":{"AWS:EpochTime":1700000300}}}]}
func (p Policy) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Resource returns the first statement's resource, or "" for an empty policy.
func (p Policy) Resource() string {
	if len(p.Statement) == 0 {
		return ""
	}
	return p.Statement[0].Resource
}

// Expires returns the first statement's expiry, or 0 for an empty policy.
func (p Policy) Expires() int64 {
	if len(p.Statement) == 0 {
		return 0
	}
	return p.Statement[0].Condition.DateLessThan.EpochTime
}

var (
	toURLSafe   = strings.NewReplacer("+", "-", "=", "_", "/", "~")
	fromURLSafe = strings.NewReplacer("-", "+", "_", "=", "~", "/")
)

// URLSafe base64-encodes b and applies CloudFront's character substitution.
// This is not RFC 4648 base64url.
func URLSafe(b []byte) string {
	return toURLSafe.Replace(base64.StdEncoding.EncodeToString(b))
}

// DecodeURLSafe reverses URLSafe.
func DecodeURLSafe(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(fromURLSafe.Replace(s))
}
