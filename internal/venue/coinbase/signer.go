package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Signer handles Coinbase Exchange request authentication.
// It stores keys as []byte so they can be wiped on shutdown.
type Signer struct {
	key        []byte
	secret     []byte
	passphrase []byte

	now func() time.Time
}

// NewSigner decodes the base64 API secret.
func NewSigner(key, b64secret, passphrase string) (*Signer, error) {
	secret, err := base64.StdEncoding.DecodeString(b64secret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return newSigner(key, secret, passphrase), nil
}

func newSigner(key string, secret []byte, passphrase string) *Signer {
	return &Signer{
		key:        []byte(key),
		secret:     secret,
		passphrase: []byte(passphrase),
		now:        time.Now,
	}
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipe(s.key)
	wipe(s.secret)
	wipe(s.passphrase)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Timestamp is the unix-seconds string sent with every signed request.
func (s *Signer) Timestamp() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

// Sign computes the prehash signature: timestamp + method + requestPath + body.
// requestPath includes the query string.
func (s *Signer) Sign(timestamp, method, requestPath, body string) string {
	return s.computeHmacSha256(timestamp + method + requestPath + body)
}

// Headers returns the CB-ACCESS-* set for one request.
func (s *Signer) Headers(method, requestPath, body string) map[string]string {
	ts := s.Timestamp()
	return map[string]string{
		"CB-ACCESS-KEY":        string(s.key),
		"CB-ACCESS-SIGN":       s.Sign(ts, method, requestPath, body),
		"CB-ACCESS-TIMESTAMP":  ts,
		"CB-ACCESS-PASSPHRASE": string(s.passphrase),
	}
}

func (s *Signer) computeHmacSha256(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
