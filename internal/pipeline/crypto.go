package pipeline

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted-file container, fixed for interoperability with sets produced by
// `openssl enc -aes-256-ctr -pbkdf2 -iter 200001 -md sha256`:
// ASCII magic, 8 random salt bytes, then the CTR stream.
const (
	saltMagic     = "Salted__"
	saltSize      = 8
	kdfIterations = 200001
	keySize       = 32
	ivSize        = aes.BlockSize
)

// ErrNotEncrypted is returned when an input lacks the salt header.
var ErrNotEncrypted = errors.New("missing encryption header")

var randRead = rand.Read

// deriveKeyIV stretches the password into an AES-256 key and CTR IV.
func deriveKeyIV(password string, salt []byte) (key, iv []byte) {
	material := pbkdf2.Key([]byte(password), salt, kdfIterations, keySize+ivSize, sha256.New)
	return material[:keySize], material[keySize:]
}

func newCTR(password string, salt []byte) (cipher.Stream, error) {
	key, iv := deriveKeyIV(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// Encrypt returns a stage that encrypts its input with the given password.
func Encrypt(password string) Stage {
	return &cryptStage{password: password, decrypt: false}
}

// Decrypt returns a stage that decrypts a stream produced by Encrypt with the
// same password. A wrong password is not detectable at this layer; it simply
// yields garbage, which is why records carry a password canary.
func Decrypt(password string) Stage {
	return &cryptStage{password: password, decrypt: true}
}

type cryptStage struct {
	password string
	decrypt  bool
}

func (c *cryptStage) Name() string {
	if c.decrypt {
		return "aes-ctr-decrypt"
	}
	return "aes-ctr-encrypt"
}

func (c *cryptStage) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	r = contextReader{ctx: ctx, r: r}

	var stream cipher.Stream
	if c.decrypt {
		header := make([]byte, len(saltMagic)+saltSize)
		if _, err := io.ReadFull(r, header); err != nil {
			return fmt.Errorf("read salt header: %w", err)
		}
		if !bytes.Equal(header[:len(saltMagic)], []byte(saltMagic)) {
			return ErrNotEncrypted
		}
		var err error
		stream, err = newCTR(c.password, header[len(saltMagic):])
		if err != nil {
			return err
		}
	} else {
		salt := make([]byte, saltSize)
		if _, err := randRead(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		if _, err := w.Write([]byte(saltMagic)); err != nil {
			return err
		}
		if _, err := w.Write(salt); err != nil {
			return err
		}
		var err error
		stream, err = newCTR(c.password, salt)
		if err != nil {
			return err
		}
	}

	_, err := io.Copy(cipher.StreamWriter{S: stream, W: w}, r)
	return err
}

// EncryptBytes encrypts a small in-memory value (the password canary) using
// the same container as the stream stage.
func EncryptBytes(password string, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	err := Run(context.Background(), []Stage{Encrypt(password)}, bytes.NewReader(plaintext), &buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptBytes reverses EncryptBytes.
func DecryptBytes(password string, ciphertext []byte) ([]byte, error) {
	var buf bytes.Buffer
	err := Run(context.Background(), []Stage{Decrypt(password)}, bytes.NewReader(ciphertext), &buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
