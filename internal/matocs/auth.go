package matocs

import (
	"crypto/md5"
	"crypto/rand"
)

// NonceSize is the width of the register-time auth challenge (spec §3
// "32-byte nonce + MD5(nonce_hi ∥ secret ∥ nonce_lo)").
const NonceSize = 32

// GenerateNonce returns a fresh random challenge to send a chunk server
// during registration when an auth secret is configured.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// ExpectedResponse computes the challenge response a correctly-configured
// chunk server must return: MD5(nonce[:16] || secret || nonce[16:]).
func ExpectedResponse(nonce [NonceSize]byte, secret []byte) [md5.Size]byte {
	h := md5.New()
	h.Write(nonce[:16])
	h.Write(secret)
	h.Write(nonce[16:])
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// CheckResponse reports whether response matches the expected challenge
// response for nonce/secret.
func CheckResponse(nonce [NonceSize]byte, secret []byte, response [md5.Size]byte) bool {
	return ExpectedResponse(nonce, secret) == response
}
