// Package auth verifies webhook signatures and checks senders against the allowlist.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Signature schemes.
const (
	SchemeTwilio     = "twilio"
	SchemeHMACSHA256 = "hmac-sha256"
)

// Signature headers.
const (
	HeaderTwilio     = "X-Twilio-Signature"
	HeaderHMACSHA256 = "X-Signature-256"
)

// Proof is everything needed to check one request's signature.
type Proof struct {
	URL       string     // full public URL the provider posted to
	Form      url.Values // parsed POST form (twilio scheme)
	Body      []byte     // raw request body (hmac-sha256 scheme)
	Signature string     // header value
}

// Verifier checks a request signature. Implementations fail closed.
type Verifier interface {
	Verify(p Proof) bool
	Header() string
}

// NewVerifier returns the verifier for scheme keyed with secret.
func NewVerifier(scheme, secret string) (Verifier, error) {
	switch scheme {
	case "", SchemeTwilio:
		return twilioVerifier{secret: secret}, nil
	case SchemeHMACSHA256:
		return hmacVerifier{secret: secret}, nil
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

type twilioVerifier struct{ secret string }

func (twilioVerifier) Header() string { return HeaderTwilio }

func (v twilioVerifier) Verify(p Proof) bool {
	if v.secret == "" || p.Signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, TwilioSignature(v.secret, p.URL, p.Form))
}

// TwilioSignature computes HMAC-SHA1 over the URL followed by every form
// parameter, sorted by key, as key then value.
func TwilioSignature(secret, fullURL string, form url.Values) []byte {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, val := range form[k] {
			b.WriteString(k)
			b.WriteString(val)
		}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

type hmacVerifier struct{ secret string }

func (hmacVerifier) Header() string { return HeaderHMACSHA256 }

func (v hmacVerifier) Verify(p Proof) bool {
	if v.secret == "" || p.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(p.Body)
	return hmac.Equal(got, mac.Sum(nil))
}

// PublicURL rebuilds the URL the provider signed. base, when set, replaces the
// scheme and host seen locally (the service usually runs behind a proxy).
func PublicURL(r *http.Request, base string) string {
	if base != "" {
		return strings.TrimRight(base, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = strings.TrimSpace(strings.Split(fp, ",")[0])
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = strings.TrimSpace(strings.Split(fh, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
