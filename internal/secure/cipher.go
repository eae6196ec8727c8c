// Package secure encrypts portal tokens at rest.
//
// A 256-bit key is derived once from the configured secret with scrypt and
// a fixed salt; every Encrypt call seals the plaintext with AES-GCM under a
// fresh random nonce. The serialized form is
//
//	hex(nonce) ":" hex(ciphertext||tag)
//
// so Decrypt is self-contained. The plaintext may contain any bytes,
// including the ":" delimiter, because only the hex halves are split.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/tbourn/portal-integrator/internal/failure"
)

// MinSecretLen is the minimum accepted length of the encryption secret.
const MinSecretLen = 32

// kdfSalt is fixed; rotating it invalidates every stored token.
var kdfSalt = []byte("portal-integrator/token-cipher/v1")

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

// ErrSecretTooShort is returned by NewCipher for secrets below MinSecretLen.
var ErrSecretTooShort = fmt.Errorf("encryption secret must be at least %d bytes", MinSecretLen)

// DecryptionError reports a ciphertext that cannot be opened. It classifies
// as failure.KindDecryption.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return "decrypt: " + e.Reason + ": " + e.Err.Error()
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() []error {
	errs := []error{failure.ErrDecryption}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// As lets failure.KindOf see a DecryptionError as a classified error.
func (e *DecryptionError) As(target any) bool {
	if fe, ok := target.(**failure.Error); ok {
		*fe = &failure.Error{Kind: failure.KindDecryption, Op: "secure.decrypt", Msg: e.Reason, Err: e.Err}
		return true
	}
	return false
}

// Cipher encrypts and decrypts tokens. It is safe for concurrent use.
type Cipher struct {
	aead  cipher.AEAD
	nonce io.Reader
}

// NewCipher derives the key from secret. Secrets shorter than MinSecretLen
// are rejected.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	key, err := scrypt.Key([]byte(secret), kdfSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, nonce: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.nonce, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any structural or
// authentication problem yields a *DecryptionError.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	nonceHex, sealedHex, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", &DecryptionError{Reason: "missing delimiter"}
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", &DecryptionError{Reason: "bad nonce encoding", Err: err}
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", &DecryptionError{Reason: "bad nonce length"}
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", &DecryptionError{Reason: "bad payload encoding", Err: err}
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}

// IsDecryptionError reports whether err came from Decrypt.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
