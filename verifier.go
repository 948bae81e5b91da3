package lockbox

import "crypto/subtle"

// The key verifier is an AEAD seal of a fixed public marker under the master
// key, with its own associated-data label. Testing a candidate password
// therefore costs a full Argon2id derivation plus one AEAD open, and the
// stored verifier reveals nothing usable for decrypting real data: the
// marker is public, the nonce is random, and the verifier label keeps the
// ciphertext domain-separated from every field and file envelope.
var (
	verifierMarker = []byte("lockbox.key.verifier.v1")
	verifierAAD    = []byte("lockbox/verifier")
)

// computeVerifier produces the verifier blob persisted alongside the salt.
func computeVerifier(key []byte) ([]byte, error) {
	return Encrypt(key, verifierMarker, verifierAAD)
}

// checkVerifier reports whether the candidate key matches the persisted
// verifier. A failed open and a marker mismatch are indistinguishable to the
// caller: both mean the candidate password is wrong.
func checkVerifier(key, verifier []byte) bool {
	marker, err := Decrypt(key, verifier, verifierAAD)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(marker, verifierMarker) == 1
}
