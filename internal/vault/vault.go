// Package vault encrypts per-channel configuration at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	apperrors "channelgate/internal/errors"
	"channelgate/internal/models"
)

// keySalt is fixed so records stay readable across restarts. Rotating it
// invalidates every stored record.
const keySalt = "channelgate-vault-salt-v1"

// Vault performs AES-256-GCM encryption of channel credentials. The key is
// derived once in New; Encrypt and Decrypt are safe for concurrent use.
type Vault struct {
	gcm cipher.AEAD
}

// New derives the record key from secret.
func New(secret string) (*Vault, error) {
	if len(secret) < models.MinSecretLen {
		return nil, apperrors.NewConfigError("vault.secret",
			fmt.Sprintf("vault secret must be at least %d characters long", models.MinSecretLen))
	}

	key := pbkdf2.Key([]byte(secret), []byte(keySalt), models.Iterations, models.KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{gcm: gcm}, nil
}

// Encrypt seals creds into base64(version | nonce | ciphertext+tag).
func (v *Vault) Encrypt(creds models.Credentials) (string, error) {
	if creds == nil {
		creds = models.Credentials{}
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeEncryption, "failed to encode credentials")
	}
	return v.seal(plaintext)
}

// Decrypt opens a record produced by Encrypt. Any failure returns a
// DECRYPTION_FAILED error and a nil map.
func (v *Vault) Decrypt(record string) (models.Credentials, error) {
	plaintext, err := v.open(record)
	if err != nil {
		return nil, err
	}

	creds := models.Credentials{}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, apperrors.NewDecryptionError("payload is not a credential object", nil)
	}
	return creds, nil
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeEncryption, "failed to generate nonce")
	}

	header := []byte{models.RecordVersion}
	record := make([]byte, 0, 1+models.NonceSize+len(plaintext)+v.gcm.Overhead())
	record = append(record, header...)
	record = append(record, nonce...)
	record = v.gcm.Seal(record, nonce, plaintext, header)

	return base64.StdEncoding.EncodeToString(record), nil
}

func (v *Vault) open(record string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(record)
	if err != nil {
		return nil, apperrors.NewDecryptionError("record is not valid base64", nil)
	}

	if len(data) < 1+models.NonceSize+v.gcm.Overhead() {
		return nil, apperrors.NewDecryptionError("record too short", nil)
	}
	if data[0] != models.RecordVersion {
		return nil, apperrors.NewDecryptionError("unknown record version", nil)
	}

	header := data[:1]
	nonce := data[1 : 1+models.NonceSize]
	sealed := data[1+models.NonceSize:]

	plaintext, err := v.gcm.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, apperrors.NewDecryptionError("authentication failed", err)
	}
	return plaintext, nil
}
