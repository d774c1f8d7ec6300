// Package cryptox implements the registry credential codec: reversible,
// deterministic symmetric encryption of short strings under one process-wide
// secret. Determinism is required because credentials are compared by their
// encoded form, and reversibility because bearer tokens must decode back
// into their fields.
//
// Stored passwords therefore remain recoverable by anyone holding the
// secret. Moving to salted one-way hashing would break outstanding tokens,
// which embed the encoded password.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"github.com/npmvault/npmvault/internal/common"
)

const (
	// AES-192, matching the original registry deployment.
	keySize = 24

	derivationSalt = "npm-registry-credential-codec"
	derivationIter = 4096
)

// Codec encrypts and decrypts short strings under a secret-derived key.
// The zero value is unusable; construct with NewCodec.
type Codec struct {
	block cipher.Block
	iv    []byte
}

// NewCodec derives an AES key and a fixed counter IV from the secret.
// Both depend only on the secret, so encoded values and tokens stay valid
// across restarts of any process configured with the same secret.
func NewCodec(secret string) *Codec {
	material := pbkdf2.Key([]byte(secret), []byte(derivationSalt), derivationIter, keySize+aes.BlockSize, sha256.New)

	block, err := aes.NewCipher(material[:keySize])
	if err != nil {
		// Unreachable: the derived key always has a valid AES length.
		panic(err)
	}

	return &Codec{block: block, iv: material[keySize:]}
}

// EncryptString returns the hex form of s encrypted under the codec key.
// Equal inputs always produce equal outputs.
func (c *Codec) EncryptString(s string) string {
	src := []byte(s)
	dst := make([]byte, len(src))
	cipher.NewCTR(c.block, c.iv).XORKeyStream(dst, src)
	return hex.EncodeToString(dst)
}

// DecryptString reverses EncryptString. Input that is not valid hex, or that
// was produced under a different secret, fails with common.ErrorDecode.
func (c *Codec) DecryptString(s string) (string, error) {
	src, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrorDecode, err)
	}

	dst := make([]byte, len(src))
	cipher.NewCTR(c.block, c.iv).XORKeyStream(dst, src)

	// A wrong key yields pseudo-random bytes; valid plaintexts here are
	// always UTF-8 strings.
	if !utf8.Valid(dst) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", common.ErrorDecode)
	}

	return string(dst), nil
}
