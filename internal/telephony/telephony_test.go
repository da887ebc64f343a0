package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"testing"
)

func sign(authToken, fullURL string, params map[string]string) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsValidSignature(t *testing.T) {
	params := map[string]string{"CallSid": "CA123", "From": "+15551234567"}
	sig := sign("secret", "https://example.com/twilio/voice", params)

	if !VerifySignature("secret", sig, "https://example.com/twilio/voice", params) {
		t.Fatal("expected a correctly computed signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedParams(t *testing.T) {
	params := map[string]string{"CallSid": "CA123"}
	sig := sign("secret", "https://example.com/twilio/voice", params)

	tampered := map[string]string{"CallSid": "CA999"}
	if VerifySignature("secret", sig, "https://example.com/twilio/voice", tampered) {
		t.Fatal("expected signature to fail once parameters are tampered with")
	}
}

func TestVerifySignatureRejectsMissingAuthTokenOrSignature(t *testing.T) {
	if VerifySignature("", "sig", "https://example.com", nil) {
		t.Fatal("expected empty auth token to fail verification")
	}
	if VerifySignature("secret", "", "https://example.com", nil) {
		t.Fatal("expected empty signature to fail verification")
	}
}
