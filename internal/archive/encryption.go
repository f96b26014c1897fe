package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encMagic      = "SOPSENC1"
	encSaltSize   = 16
	encKeySize    = 32
	encIterations = 100_000
	// EncryptedSuffix marks encrypted bundle files
	EncryptedSuffix = ".enc"
)

// deriveKey stretches a passphrase into an AES-256 key
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, encIterations, encKeySize, sha256.New)
}

// EncryptFile encrypts src into dest with AES-256-GCM. The output
// layout is magic || salt || nonce || ciphertext.
func EncryptFile(src, dest, passphrase string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s for encryption: %w", src, err)
	}

	salt := make([]byte, encSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(encMagic)+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, encMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	if err := os.WriteFile(dest, out, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}
	return nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(src, dest, passphrase string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s for decryption: %w", src, err)
	}

	if len(data) < len(encMagic)+encSaltSize || string(data[:len(encMagic)]) != encMagic {
		return fmt.Errorf("%s is not a stackops encrypted bundle", src)
	}
	data = data[len(encMagic):]

	salt := data[:encSaltSize]
	data = data[encSaltSize:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return fmt.Errorf("encrypted bundle %s is truncated", src)
	}
	nonce := data[:gcm.NonceSize()]
	ciphertext := data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decryption failed, wrong passphrase or corrupted bundle: %w", err)
	}

	if err := os.WriteFile(dest, plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %w", err)
	}
	return nil
}

// IsEncrypted reports whether the file carries the encryption header
func IsEncrypted(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, len(encMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return string(magic) == encMagic
}
