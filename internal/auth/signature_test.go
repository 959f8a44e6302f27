package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

const testSecret = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func TestSignMatchesConcatenation(t *testing.T) {
	secret, _ := hex.DecodeString(testSecret)
	body := []byte(`{"versions":{}}`)
	want := sha256.Sum256(append(append(append(secret, "POST"...), "/ota_update"...), body...))

	got, err := Sign(testSecret, "POST", "/ota_update", body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(want[:]) {
		t.Fatalf("digest mismatch")
	}
}

func TestVerifySignatureRejectsAnyMutation(t *testing.T) {
	method, path := "POST", "/auth"
	body := []byte(`{"auth":"0123456789abcdef"}`)
	claim, err := SignHex(testSecret, method, path, body)
	if err != nil {
		t.Fatalf("SignHex: %v", err)
	}
	if !VerifySignature(testSecret, method, path, body, claim) {
		t.Fatal("valid signature rejected")
	}
	if !VerifySignature(testSecret, method, path, body, strings.ToUpper(claim)) {
		t.Fatal("upper-case hex should decode to the same digest")
	}

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}
	for i := range body {
		if VerifySignature(testSecret, method, path, flip(body, i), claim) {
			t.Fatalf("body mutation at %d accepted", i)
		}
	}
	for i := range path {
		if VerifySignature(testSecret, method, string(flip([]byte(path), i)), body, claim) {
			t.Fatalf("path mutation at %d accepted", i)
		}
	}
	for i := range method {
		if VerifySignature(testSecret, string(flip([]byte(method), i)), path, body, claim) {
			t.Fatalf("method mutation at %d accepted", i)
		}
	}
	rawSecret, _ := hex.DecodeString(testSecret)
	for i := range rawSecret {
		if VerifySignature(hex.EncodeToString(flip(rawSecret, i)), method, path, body, claim) {
			t.Fatalf("secret mutation at %d accepted", i)
		}
	}
	rawClaim, _ := hex.DecodeString(claim)
	for i := range rawClaim {
		if VerifySignature(testSecret, method, path, body, hex.EncodeToString(flip(rawClaim, i))) {
			t.Fatalf("claim mutation at %d accepted", i)
		}
	}
}

func TestVerifySignatureMalformedClaim(t *testing.T) {
	for _, claim := range []string{"", "zz", "abc", claimPrefix()} {
		if VerifySignature(testSecret, "GET", "/image", nil, claim) {
			t.Fatalf("claim %q accepted", claim)
		}
	}
	if VerifySignature("not-hex", "GET", "/image", nil, "00") {
		t.Fatal("non-hex secret accepted")
	}
}

func claimPrefix() string {
	full, _ := SignHex(testSecret, "GET", "/image", nil)
	return full[:len(full)-2]
}
