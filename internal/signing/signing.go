// Package signing authenticates requests between the api and the presigner
// with an HMAC-SHA256 digest over a canonical JSON payload.
//
// The canonical form is the JSON encoding of Payload, whose field order is
// fixed by the struct definition. The verifier digests the raw request body,
// so any byte-level change to a signed body is rejected.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Header carries the hex digest on inter-service requests.
const Header = "X-Signature"

// DefaultWindow is how far a payload timestamp may drift from the
// verifier's clock.
const DefaultWindow = 60 * time.Second

var (
	// ErrBadSignature is returned when the digest does not match the body.
	ErrBadSignature = errors.New("signature mismatch")
	// ErrStale is returned when the payload timestamp is outside the window.
	ErrStale = errors.New("payload timestamp outside replay window")
	// ErrMalformed is returned when a correctly signed body cannot be decoded.
	ErrMalformed = errors.New("malformed payload")
)

// Payload is the signed presign request.
type Payload struct {
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// Canonical returns the byte form of p that is signed and sent.
func (p Payload) Canonical() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Envelope is a canonical body plus its digest.
type Envelope struct {
	Body      []byte
	Signature string
}

// Digest returns the hex HMAC-SHA256 of body under secret.
func Digest(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign canonicalizes p and signs it with secret.
func Sign(secret []byte, p Payload) (Envelope, error) {
	if len(secret) == 0 {
		return Envelope{}, errors.New("signing secret is empty")
	}
	body, err := p.Canonical()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Body: body, Signature: Digest(secret, body)}, nil
}

// Verifier checks envelopes produced by Sign.
type Verifier struct {
	Secret []byte
	Window time.Duration
	Now    func() time.Time
}

// NewVerifier returns a Verifier with the default replay window and the
// system clock.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{Secret: secret, Window: DefaultWindow, Now: time.Now}
}

// Verify checks signature against body in constant time.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.Secret) == 0 {
		return fmt.Errorf("%w: verifier has no secret", ErrBadSignature)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Open verifies body, decodes it and enforces the replay window.
func (v *Verifier) Open(body []byte, signature string) (Payload, error) {
	if err := v.Verify(body, signature); err != nil {
		return Payload{}, err
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	age := v.Now().Sub(time.UnixMilli(p.Timestamp))
	if age > v.Window || age < -v.Window {
		return Payload{}, fmt.Errorf("%w: age %s", ErrStale, age.Round(time.Millisecond))
	}
	return p, nil
}
