package coinbase

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestComputeHmacSha256(t *testing.T) {
	// RFC-style HMAC-SHA256 vector
	signer := newSigner("access", []byte("key"), "pass")

	got := signer.computeHmacSha256("The quick brown fox jumps over the lazy dog")
	want := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="
	if got != want {
		t.Errorf("HMAC mismatch. Expected %s, got %s", want, got)
	}
}

func TestNewSigner_DecodesSecret(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("key"))
	signer, err := NewSigner("access", b64, "pass")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if got := signer.computeHmacSha256("The quick brown fox jumps over the lazy dog"); got != "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=" {
		t.Errorf("decoded secret signed differently: %s", got)
	}

	if _, err := NewSigner("access", "not base64!", "pass"); err == nil {
		t.Error("expected error for malformed secret")
	}
}

func TestSigner_Headers(t *testing.T) {
	signer := newSigner("access", []byte("secret"), "pass")
	signer.now = func() time.Time { return time.Unix(1700000000, 0) }

	h := signer.Headers("POST", "/orders", `{"size":"1"}`)

	if h["CB-ACCESS-KEY"] != "access" {
		t.Errorf("CB-ACCESS-KEY = %s", h["CB-ACCESS-KEY"])
	}
	if h["CB-ACCESS-PASSPHRASE"] != "pass" {
		t.Errorf("CB-ACCESS-PASSPHRASE = %s", h["CB-ACCESS-PASSPHRASE"])
	}
	if h["CB-ACCESS-TIMESTAMP"] != "1700000000" {
		t.Errorf("CB-ACCESS-TIMESTAMP = %s", h["CB-ACCESS-TIMESTAMP"])
	}
	if want := signer.Sign("1700000000", "POST", "/orders", `{"size":"1"}`); h["CB-ACCESS-SIGN"] != want {
		t.Errorf("CB-ACCESS-SIGN = %s, want %s", h["CB-ACCESS-SIGN"], want)
	}
}

func TestSigner_Wipe(t *testing.T) {
	signer := newSigner("access", []byte("secret"), "pass")
	signer.Wipe()
	for _, b := range signer.secret {
		if b != 0 {
			t.Fatal("secret not wiped")
		}
	}

	var nilSigner *Signer
	nilSigner.Wipe()
}
