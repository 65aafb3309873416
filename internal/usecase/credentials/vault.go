package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"tg-topics-bot/internal/domain"
)

// ErrCrypto возвращается при любой ошибке шифрования или расшифровки.
var ErrCrypto = errors.New("credential crypto failure")

const vaultInfo = "tg-topics-bot credentials v1"

// Vault шифрует API данные пользователей AES-GCM. Ключ выводится один раз при создании.
type Vault struct {
	aead cipher.AEAD
}

// NewVault выводит 256-битный ключ из секрета и соли через HKDF-SHA256.
func NewVault(secret, salt string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrCrypto)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(vaultInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt возвращает base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: empty plaintext", ErrCrypto)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt проверяет целостность и возвращает исходный текст.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("%w: empty ciphertext", ErrCrypto)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrCrypto, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) <= nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	plain, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return string(plain), nil
}

// Open расшифровывает сохранённые API данные пользователя.
func (v *Vault) Open(user domain.User) (domain.Credentials, error) {
	if !user.HasCredentials() {
		return domain.Credentials{}, fmt.Errorf("%w: credentials are not set", ErrCrypto)
	}
	rawID, err := v.Decrypt(user.APIIDEncrypted)
	if err != nil {
		return domain.Credentials{}, err
	}
	hash, err := v.Decrypt(user.APIHashEncrypted)
	if err != nil {
		return domain.Credentials{}, err
	}
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: api id: %v", ErrCrypto, err)
	}
	return domain.Credentials{APIID: id, APIHash: hash}, nil
}
