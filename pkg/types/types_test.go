package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	fp1 := Fingerprint("SQL注入", "192.168.1.10", "3306", "http://db.example.com", "订单系统", "Acme")
	fp2 := Fingerprint("SQL注入", "192.168.1.10", "3306", "http://db.example.com", "订单系统", "Acme")

	assert.Equal(t, fp1, fp2, "identical inputs must yield the identical fingerprint")
	assert.Len(t, fp1, 64, "SHA-256 hex digest is 64 characters")
	assert.Regexp(t, "^[0-9a-f]{64}$", fp1)
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	base := Fingerprint("XSS", "10.0.0.1", "443", "https://example.com", "portal", "Acme")

	variants := []string{
		Fingerprint("XSS2", "10.0.0.1", "443", "https://example.com", "portal", "Acme"),
		Fingerprint("XSS", "10.0.0.2", "443", "https://example.com", "portal", "Acme"),
		Fingerprint("XSS", "10.0.0.1", "8443", "https://example.com", "portal", "Acme"),
		Fingerprint("XSS", "10.0.0.1", "443", "https://example.org", "portal", "Acme"),
		Fingerprint("XSS", "10.0.0.1", "443", "https://example.com", "intranet", "Acme"),
		Fingerprint("XSS", "10.0.0.1", "443", "https://example.com", "portal", "Globex"),
	}

	for i, v := range variants {
		assert.NotEqual(t, base, v, "changing field %d should change the fingerprint", i)
	}
}
