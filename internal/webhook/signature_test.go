package webhook_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/mendbot/mendbot/internal/webhook"
	"github.com/stretchr/testify/assert"
)

func TestValidateSignature_RoundTrip(t *testing.T) {
	body := []byte(`{"action":"opened","number":7}`)
	secret := "hunter2"

	sig := webhook.Sign(body, secret)
	assert.True(t, webhook.ValidateSignature(body, sig, secret))
}

func TestValidateSignature_Sha1Legacy(t *testing.T) {
	body := []byte("payload")
	secret := "s3cret"

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	sig := "sha1=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, webhook.ValidateSignature(body, sig, secret))
}

func TestValidateSignature_FlippedBodyByte(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	secret := "hunter2"
	sig := webhook.Sign(body, secret)

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01
	assert.False(t, webhook.ValidateSignature(tampered, sig, secret))
}

func TestValidateSignature_FlippedSignatureByte(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	secret := "hunter2"
	sig := webhook.Sign(body, secret)

	// Flip one hex digit, keeping it valid hex.
	raw := []byte(sig)
	last := raw[len(raw)-1]
	if last == '0' {
		raw[len(raw)-1] = '1'
	} else {
		raw[len(raw)-1] = '0'
	}
	assert.False(t, webhook.ValidateSignature(body, string(raw), secret))
}

func TestValidateSignature_Rejections(t *testing.T) {
	body := []byte("payload")
	secret := "s3cret"
	valid := webhook.Sign(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
	}{
		{"empty body", nil, valid, secret},
		{"empty signature", body, "", secret},
		{"empty secret", body, valid, ""},
		{"no equals sign", body, "sha256deadbeef", secret},
		{"empty digest", body, "sha256=", secret},
		{"unsupported algorithm", body, "md5=deadbeef", secret},
		{"non-hex digest", body, "sha256=zzzz", secret},
		{"truncated digest", body, valid[:len(valid)-2], secret},
		{"wrong secret", body, valid, "other"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, webhook.ValidateSignature(tc.body, tc.signature, tc.secret))
		})
	}
}
