package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer computes webhook signatures: HMAC-SHA256 with a shared secret over
// the base string
//
//	t=<unix-seconds>.body=<payload-bytes>
//
// which binds each signature to both the payload and the send time.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Enabled reports whether a signing secret is configured. When false,
// outbound requests carry no signature headers at all.
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// Sign returns the lowercase hex digest for the payload at timestamp ts.
func (s *Signer) Sign(payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "t=%d.body=", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header renders the X-Signature header value: t=<ts>,v1=<hex>.
func (s *Signer) Header(payload []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, s.Sign(payload, ts))
}

// VerifyHeader checks a received X-Signature value against the request body.
// A tolerance > 0 bounds how far the signed timestamp may sit from now, in
// either direction.
func VerifyHeader(secret string, body []byte, header string, now time.Time, tolerance time.Duration) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("malformed signature part %q", part)
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed signature timestamp: %w", err)
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return errors.New("signature header missing t or v1")
	}

	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew > tolerance || skew < -tolerance {
			return fmt.Errorf("signature timestamp outside tolerance: %s", skew)
		}
	}

	want := NewSigner(secret).Sign(body, ts)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
