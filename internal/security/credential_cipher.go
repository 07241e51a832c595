package security

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix は暗号化済みblobの先頭に付与するバージョン識別子。
var sealedPrefix = []byte("pc1:")

const nonceSize = 24

// ErrCredentialDecrypt は認証情報blobの復号失敗を表す。
var ErrCredentialDecrypt = errors.New("credential blob could not be decrypted")

// CredentialCipher は連携アカウントの認証情報を保存時に暗号化する。
// マスターシークレットからHKDFで導出した鍵でnacl/secretboxを使う。
// 並行利用して安全。
type CredentialCipher struct {
	key [32]byte
}

// NewCredentialCipher はマスターシークレットからCredentialCipherを生成する。
// シークレットは32バイト以上であること。
func NewCredentialCipher(masterSecret []byte) (*CredentialCipher, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("credential key must be at least 32 bytes, got %d", len(masterSecret))
	}

	c := &CredentialCipher{}
	r := hkdf.New(sha256.New, masterSecret, []byte("postcaster-credentials"), []byte("platform_accounts.credentials"))
	if _, err := io.ReadFull(r, c.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}
	return c, nil
}

// Seal は平文を暗号化し、prefix + nonce + 暗号文 を返す。
func (c *CredentialCipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedPrefix)+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, sealedPrefix...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, &c.key), nil
}

// Open はSealで暗号化したblobを復号する。
// 鍵が異なる場合や改ざんされている場合はErrCredentialDecryptを返す。
func (c *CredentialCipher) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, sealedPrefix) {
		return nil, fmt.Errorf("%w: unknown format", ErrCredentialDecrypt)
	}
	data := sealed[len(sealedPrefix):]
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrCredentialDecrypt)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrCredentialDecrypt
	}
	return plain, nil
}
