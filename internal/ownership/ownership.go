// Package ownership encrypts a project identifier so it can be embedded in
// file headers and later proven with the passphrase that produced it.
//
// The encoded form is base64(IV || AES-256-CBC(plaintext)). Keys are derived
// from a passphrase with SHA-256; see KDF for the two supported derivations.
package ownership

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// KDF selects how a passphrase becomes an AES-256 key.
type KDF string

const (
	// KDFText hashes the passphrase with SHA-256, encodes the digest as
	// unpadded base64url and uses the first 32 bytes of that text as the
	// key. It is the default.
	KDFText KDF = "text"
	// KDFDigest uses the raw SHA-256 digest as the key. Identifiers written
	// by the earlier Node and Python deployments use this derivation and
	// only verify with kdf: digest.
	KDFDigest KDF = "digest"
)

// IVMode selects how the initialization vector is produced.
type IVMode string

const (
	// IVDeterministic derives the IV from MD5(passphrase || plaintext), so
	// the same inputs always produce the same identifier.
	IVDeterministic IVMode = "deterministic"
	// IVRandom draws the IV from crypto/rand.
	IVRandom IVMode = "random"
)

const ivSize = aes.BlockSize

// Options controls key derivation and IV generation. The zero value is
// KDFText with a deterministic IV.
type Options struct {
	KDF KDF
	IV  IVMode
}

func (o Options) kdf() KDF {
	if o.KDF == "" {
		return KDFText
	}
	return o.KDF
}

func (o Options) ivMode() IVMode {
	if o.IV == "" {
		return IVDeterministic
	}
	return o.IV
}

// Validate checks that the options name known modes
func (o Options) Validate() error {
	switch o.kdf() {
	case KDFText, KDFDigest:
	default:
		return fmt.Errorf("unknown kdf %q (must be text or digest)", o.KDF)
	}
	switch o.ivMode() {
	case IVDeterministic, IVRandom:
	default:
		return fmt.Errorf("unknown iv mode %q (must be deterministic or random)", o.IV)
	}
	return nil
}

// DeriveKey returns the 32-byte AES key for passphrase.
func DeriveKey(passphrase string, kdf KDF) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	if kdf == KDFDigest {
		return sum[:]
	}
	text := base64.RawURLEncoding.EncodeToString(sum[:])
	return []byte(text)[:32]
}

// Encrypt encrypts plaintext with a key derived from passphrase and returns
// the encoded identifier.
func Encrypt(plaintext, passphrase string, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if opts.ivMode() == IVRandom {
		if _, err := rand.Read(iv); err != nil {
			return "", fmt.Errorf("failed to generate iv: %w", err)
		}
	} else {
		sum := md5.Sum([]byte(passphrase + plaintext))
		copy(iv, sum[:ivSize])
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, opts.kdf()))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, ivSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt recovers the plaintext of an encoded identifier. It reports false
// for anything that does not decrypt cleanly: malformed encoding, truncated
// input, a wrong passphrase or non-UTF-8 output.
func Decrypt(encoded, passphrase string, opts Options) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	if len(raw) < 2*ivSize || len(raw)%aes.BlockSize != 0 {
		return "", false
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, opts.kdf()))
	if err != nil {
		return "", false
	}

	iv, data := raw[:ivSize], raw[ivSize:]
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	plain, ok := unpad(plain)
	if !ok || !utf8.Valid(plain) {
		return "", false
	}
	return string(plain), true
}

// pad applies PKCS#7 padding to a full AES block
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

// Codec binds Options to Encrypt and Decrypt. It holds no state and is safe
// for concurrent use.
type Codec struct {
	Options Options
}

// Encrypt encrypts plaintext with the codec's options
func (c Codec) Encrypt(plaintext, passphrase string) (string, error) {
	return Encrypt(plaintext, passphrase, c.Options)
}

// Decrypt decrypts encoded with the codec's options
func (c Codec) Decrypt(encoded, passphrase string) (string, bool) {
	return Decrypt(encoded, passphrase, c.Options)
}

// Identify encrypts projectName into an Identifier
func (c Codec) Identify(projectName, passphrase string) (Identifier, error) {
	return NewIdentifier(projectName, passphrase, c.Options)
}

// Identifier is an encoded project name together with the passphrase that
// produced it.
type Identifier struct {
	Encoded    string
	Passphrase string
}

// NewIdentifier encrypts projectName with passphrase.
func NewIdentifier(projectName, passphrase string, opts Options) (Identifier, error) {
	encoded, err := Encrypt(projectName, passphrase, opts)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Encoded: encoded, Passphrase: passphrase}, nil
}

// Fragments splits the encoded identifier into n ordered pieces.
func (id Identifier) Fragments(n int) []string {
	return Split(id.Encoded, n)
}

// Split partitions s into n ordered substrings whose lengths differ by at
// most one; the longer pieces come first. n is clamped to [1, len(s)] so no
// fragment is empty unless s itself is.
func Split(s string, n int) []string {
	if n < 1 {
		n = 1
	}
	if len(s) > 0 && n > len(s) {
		n = len(s)
	}

	size, rem := len(s)/n, len(s)%n
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		parts = append(parts, s[start:end])
		start = end
	}
	return parts
}

// Join reassembles fragments produced by Split.
func Join(fragments []string) string {
	return strings.Join(fragments, "")
}

// ownerIDPattern matches an OWNER_ID marker in any comment style
var ownerIDPattern = regexp.MustCompile(`OWNER_ID:\s*([A-Za-z0-9+/=]+)`)

// ExtractFragments returns the OWNER_ID values found in content, in order.
func ExtractFragments(content string) []string {
	var fragments []string
	for _, m := range ownerIDPattern.FindAllStringSubmatch(content, -1) {
		fragments = append(fragments, m[1])
	}
	return fragments
}
