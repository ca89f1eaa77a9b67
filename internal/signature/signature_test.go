package signature

import (
	"encoding/json"
	"testing"
)

func TestSignGoldenCallback(t *testing.T) {
	params := map[string]interface{}{
		"request_uuid": "8525a7b1fc854a90b280a488c8730b44",
		"status":       "approved",
		"timestamp":    json.Number("1512345678"),
	}
	got := Sign(params, "931433d583c84ca7ba41784bad3232e6")
	want := "ea96e55004f14f0a29bf43af7610be2299284ddeceb5a16c57fa9f28b85ccd9a"
	if got != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestSignGoldenOutbound(t *testing.T) {
	params := map[string]interface{}{
		"course_org":  "edX",
		"course_num":  "DemoX",
		"course_run":  "Demo",
		"final_grade": "0.95",
	}
	got := Sign(params, "abcd1234")
	want := "f786f6400e08c4ba752988f019726e25269f626c9eef706e33dd37e84771333d"
	if got != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestSignSkipsSignatureKey(t *testing.T) {
	params := map[string]interface{}{
		"a": "1",
		"b": "2",
	}
	base := Sign(params, "secret")
	params["signature"] = "anything at all"
	if got := Sign(params, "secret"); got != base {
		t.Fatalf("signature key should not affect the digest: %s != %s", got, base)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	params := map[string]interface{}{
		"request_uuid": "deadbeefdeadbeefdeadbeefdeadbeef",
		"status":       "rejected",
		"timestamp":    int64(1700000000),
	}
	sig := Sign(params, "key-1")
	if !Verify(params, sig, []string{"key-1"}) {
		t.Fatalf("round trip verification failed")
	}

	params["status"] = "approved"
	if Verify(params, sig, []string{"key-1"}) {
		t.Fatalf("verification passed after value change")
	}
}

func TestVerifyKeyRotation(t *testing.T) {
	params := map[string]interface{}{"x": "y"}
	oldSig := Sign(params, "old-key")
	if !Verify(params, oldSig, []string{"new-key", "old-key"}) {
		t.Fatalf("rotated-out key should still verify")
	}
	if Verify(params, oldSig, []string{"new-key"}) {
		t.Fatalf("unknown key verified")
	}
}

func TestKeyRegistryParsing(t *testing.T) {
	reg, err := NewKeyRegistry(`{"hogwarts": "abcd1234", "asu": ["new", null, "old"], "broken": ["", "café"]}`)
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}

	key, err := reg.SigningKey("hogwarts")
	if err != nil || key != "abcd1234" {
		t.Fatalf("hogwarts signing key: %q, %v", key, err)
	}

	keys := reg.Keys("asu")
	if len(keys) != 2 || keys[0] != "new" || keys[1] != "old" {
		t.Fatalf("asu keys: %v", keys)
	}

	// Empty and non-ASCII secrets are unusable.
	if _, err := reg.SigningKey("broken"); err != ErrNoSecretKey {
		t.Fatalf("expected ErrNoSecretKey, got %v", err)
	}
	if _, err := reg.SigningKey("unknown"); err != ErrNoSecretKey {
		t.Fatalf("expected ErrNoSecretKey for unknown provider, got %v", err)
	}
}

func TestKeyRegistryRejectsBadShapes(t *testing.T) {
	if _, err := NewKeyRegistry(`{"p": 42}`); err == nil {
		t.Fatalf("numeric secret accepted")
	}
	if _, err := NewKeyRegistry(`not json`); err == nil {
		t.Fatalf("malformed JSON accepted")
	}
}

func TestFormatGrade(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.95, "0.95"},
		{1, "1"},
		{0, "0"},
		{1.0 / 3.0, "0.33333"},
		{0.8999999, "0.89999"},
	}
	for _, c := range cases {
		if got := FormatGrade(c.in); got != c.want {
			t.Errorf("FormatGrade(%v) = %q, want %q", c.in, got, c.want)
		}
		if got := FormatGrade(c.in); len(got) > 7 {
			t.Errorf("FormatGrade(%v) = %q exceeds 7 chars", c.in, got)
		}
	}
}
