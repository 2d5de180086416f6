// Package auth signs the HTTP calls monitors make to each other with a
// shared secret.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

const (
	// HeaderTimestamp carries the signing time in unix seconds
	HeaderTimestamp = "X-Sentinel-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 of the request
	HeaderSignature = "X-Sentinel-Signature"
	// MaxClockSkew is the default window a signed request stays valid
	MaxClockSkew = 30 * time.Second
)

var (
	ErrMissingTimestamp = errors.New("missing timestamp header")
	ErrClockSkew        = errors.New("timestamp outside allowed window")
	ErrBadSignature     = errors.New("invalid signature")
)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithMaxSkew sets how far a request's timestamp may be from our clock.
func WithMaxSkew(d time.Duration) Option {
	return func(a *Authenticator) { a.maxSkew = d }
}

// Authenticator signs and checks requests exchanged between monitors. With
// an empty secret it does neither.
type Authenticator struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// New creates an authenticator for secret.
func New(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret:  []byte(secret),
		maxSkew: MaxClockSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether requests are signed at all.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// SignRequest stamps req with the current time and a signature over its
// method, path, timestamp and body. The body is restored for sending.
func (a *Authenticator) SignRequest(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	body, err := readBody(req)
	if err != nil {
		return err
	}

	ts := a.now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, a.sign(req.Method, req.URL.Path, ts, body))
	return nil
}

// ValidateRequest checks the headers SignRequest set. A vote request
// replayed after the skew window, or with its body swapped, is rejected.
func (a *Authenticator) ValidateRequest(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	raw := req.Header.Get(HeaderTimestamp)
	if raw == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return fmt.Errorf("%w (skew %s)", ErrClockSkew, skew.Truncate(time.Second))
	}

	body, err := readBody(req)
	if err != nil {
		return err
	}

	want := a.sign(req.Method, req.URL.Path, ts, body)
	if !hmac.Equal([]byte(want), []byte(req.Header.Get(HeaderSignature))) {
		return ErrBadSignature
	}
	return nil
}

// Middleware rejects unsigned or badly signed requests with 401.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			klog.V(2).InfoS("Rejected peer request", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
			http.Error(w, fmt.Sprintf("Authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// sign is HMAC-SHA256 over method:path:timestamp:sha256(body).
func (a *Authenticator) sign(method, path string, ts int64, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s:%s:%d:%s", method, path, ts, hex.EncodeToString(sum[:]))
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
