// Package core – shared security primitives for the quietmesh stack.
//
// Exposes:
//   - Sign / Verify          – Ed25519 event signatures.
//   - SealTo / OpenSealed    – anonymous public-key encryption to one peer.
//   - Encrypt / Decrypt      – XChaCha20-Poly1305 authenticated symmetric.
//   - DeriveInviteKeypair    – HKDF-SHA256 invite secret → signing keypair.
//   - HashID                 – SHA-256 content addressing.
//
// All crypto comes from the Go std-lib and golang.org/x/crypto.
package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

//---------------------------------------------------------------------
// Errors
//---------------------------------------------------------------------

var (
	ErrBadSignature        = errors.New("bad signature")
	ErrMacFailure          = errors.New("mac failure")
	ErrWrongKey            = errors.New("wrong key")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

//---------------------------------------------------------------------
// Sign / Verify – Ed25519
//---------------------------------------------------------------------

// GenerateSignKeypair returns a fresh Ed25519 keypair.
func GenerateSignKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate sign keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs msg with priv.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks sig for msg with pub. A malformed public key counts as a
// verification failure, not a panic.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

//---------------------------------------------------------------------
// SealTo / OpenSealed – anonymous box encryption
//---------------------------------------------------------------------

// SealKeySize is the length of an X25519 sealing key.
const SealKeySize = 32

// GenerateSealKeypair returns a fresh X25519 keypair for sealed envelopes.
func GenerateSealKeypair() (pub, priv *[SealKeySize]byte, err error) {
	pub, priv, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate seal keypair: %w", err)
	}
	return pub, priv, nil
}

// SealTo encrypts msg to the recipient's sealing key. The sender stays
// anonymous and cannot decrypt the result.
func SealTo(pub *[SealKeySize]byte, msg []byte) ([]byte, error) {
	ct, err := box.SealAnonymous(nil, msg, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return ct, nil
}

// OpenSealed decrypts a sealed ciphertext with the recipient keypair.
func OpenSealed(pub, priv *[SealKeySize]byte, ct []byte) ([]byte, error) {
	if len(ct) < box.AnonymousOverhead {
		return nil, ErrMalformedCiphertext
	}
	msg, ok := box.OpenAnonymous(nil, ct, pub, priv)
	if !ok {
		return nil, ErrWrongKey
	}
	return msg, nil
}

//---------------------------------------------------------------------
// Encrypt / Decrypt – XChaCha20-Poly1305
//---------------------------------------------------------------------

// SymmetricKeySize is the length of group and transit keys.
const SymmetricKeySize = chacha20poly1305.KeySize

// GenerateSymmetricKey returns a fresh random symmetric key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// Encrypt seals msg with key using XChaCha20-Poly1305. The random nonce is
// prepended to the ciphertext.
func Encrypt(key, msg []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, msg, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(key, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(ct) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}
	nonce, body := ct[:aead.NonceSize()], ct[aead.NonceSize():]
	msg, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrMacFailure
	}
	return msg, nil
}

//---------------------------------------------------------------------
// KDF – invite secret → deterministic signing keypair
//---------------------------------------------------------------------

// DeriveInviteKeypair derives a deterministic Ed25519 keypair from an invite
// secret. Holder of the secret can recompute the same keypair and prove
// possession by signing with it.
func DeriveInviteKeypair(secret, info []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("derive invite keypair: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

//---------------------------------------------------------------------
// Hash – content addressing
//---------------------------------------------------------------------

// IDSize is the length of a content-addressed identifier.
const IDSize = sha256.Size

// HashID returns the 32-byte content address of b.
func HashID(b []byte) [IDSize]byte {
	return sha256.Sum256(b)
}
