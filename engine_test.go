package lockbox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		plaintext []byte
		aad       []byte
	}{
		{"simple text", []byte("hello world"), nil},
		{"empty plaintext", []byte{}, nil},
		{"with aad", []byte("bound data"), []byte("location-1")},
		{"binary data", []byte{0x00, 0xff, 0x10, 0x80, 0x7f}, []byte("bin")},
		{"large payload", bytes.Repeat([]byte("x"), 1<<20), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Encrypt(key, tt.plaintext, tt.aad)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if len(blob) != NonceSize+len(tt.plaintext)+TagSize {
				t.Errorf("unexpected envelope size %d", len(blob))
			}

			plain, err := Decrypt(key, blob, tt.aad)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(plain, tt.plaintext) {
				t.Errorf("round trip mismatch: got %q, want %q", plain, tt.plaintext)
			}
		})
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same plaintext every time")

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		blob, err := Encrypt(key, plaintext, nil)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		nonce := string(blob[:NonceSize])
		if seen[nonce] {
			t.Fatal("nonce repeated across calls")
		}
		seen[nonce] = true
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt(key, []byte("sensitive"), []byte("aad"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flip one bit in every position of the envelope in turn
	for i := 0; i < len(blob); i++ {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01

		if _, err = Decrypt(key, tampered, []byte("aad")); !errors.Is(err, ErrAuthenticationFailure) {
			t.Fatalf("bit flip at %d: got %v, want ErrAuthenticationFailure", i, err)
		}
	}
}

func TestDecryptRejectsWrongAAD(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt(key, []byte("payload"), []byte("field-a"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err = Decrypt(key, blob, []byte("field-b")); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("wrong aad: got %v, want ErrAuthenticationFailure", err)
	}
	if _, err = Decrypt(key, blob, nil); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("missing aad: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	blob, err := Encrypt(testKey(t), []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err = Decrypt(testKey(t), blob, nil); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("wrong key: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestDecryptRejectsShortEnvelope(t *testing.T) {
	key := testKey(t)

	for _, size := range []int{0, 1, NonceSize, NonceSize + TagSize - 1} {
		blob := make([]byte, size)
		if _, err := Decrypt(key, blob, nil); !errors.Is(err, ErrFormat) {
			t.Errorf("size %d: got %v, want ErrFormat", size, err)
		}
	}
}

func TestEncryptRejectsBadKeyLength(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), []byte("x"), nil); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := Decrypt(make([]byte, 16), make([]byte, 64), nil); err == nil {
		t.Error("expected error for short key")
	}
}

func TestVerifierMatchesOnlyItsKey(t *testing.T) {
	key := testKey(t)
	verifier, err := computeVerifier(key)
	if err != nil {
		t.Fatalf("computeVerifier failed: %v", err)
	}

	if !checkVerifier(key, verifier) {
		t.Error("verifier rejected its own key")
	}
	if checkVerifier(testKey(t), verifier) {
		t.Error("verifier accepted a different key")
	}

	tampered := make([]byte, len(verifier))
	copy(tampered, verifier)
	tampered[len(tampered)-1] ^= 0x01
	if checkVerifier(key, tampered) {
		t.Error("verifier accepted after tampering")
	}
}
