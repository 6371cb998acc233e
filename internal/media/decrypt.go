package media

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MediaKeySize is the length of the per-message media key.
	MediaKeySize = 32

	expandedKeySize = 112
	macSize         = 10
)

var (
	ErrInvalidKey      = errors.New("media: invalid media key")
	ErrIntegrityFailed = errors.New("media: integrity check failed")
	ErrPaddingInvalid  = errors.New("media: invalid PKCS#7 padding")
)

// EncryptedMediaRef is an attachment as received from the webhook.
// It is consumed once by Decrypt.
type EncryptedMediaRef struct {
	Ciphertext        []byte
	KeyMaterialBase64 string
	Class             Class
	MimeType          string
}

// DecryptedMedia is owned by the caller that requested decryption.
// Verified is only ever true: unverified plaintext is never returned.
type DecryptedMedia struct {
	Plaintext []byte
	Class     Class
	MimeType  string
	Verified  bool
}

type mediaKeys struct {
	iv        []byte
	cipherKey []byte
	macKey    []byte
}

// expandKey derives IV, cipher key and MAC key from the media key.
// Bytes 80..112 of the expansion are the reference key for the CDN and are unused.
func expandKey(mediaKey []byte, class Class) (mediaKeys, error) {
	info, ok := hkdfInfo[class]
	if !ok {
		return mediaKeys{}, fmt.Errorf("%w: %q", ErrUnknownClass, string(class))
	}

	out := make([]byte, expandedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, mediaKey, nil, info), out); err != nil {
		return mediaKeys{}, fmt.Errorf("media: hkdf expand: %w", err)
	}

	return mediaKeys{
		iv:        out[0:16],
		cipherKey: out[16:48],
		macKey:    out[48:80],
	}, nil
}

// DecodeMediaKey decodes base64 key material and checks its length.
// Standard, unpadded and URL-safe alphabets are accepted since bridges differ.
func DecodeMediaKey(keyMaterial string) ([]byte, error) {
	s := strings.TrimSpace(keyMaterial)
	if s == "" {
		return nil, fmt.Errorf("%w: empty key material", ErrInvalidKey)
	}

	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err = enc.DecodeString(s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	if len(key) != MediaKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), MediaKeySize)
	}
	return key, nil
}

// Decrypt verifies and decrypts an attachment. It is pure and safe for
// concurrent use; calling it again with the same ref yields the same result.
//
// The MAC is checked before any decryption happens, so a tampered blob
// never yields plaintext, partial or otherwise.
func Decrypt(ref EncryptedMediaRef) (*DecryptedMedia, error) {
	mediaKey, err := DecodeMediaKey(ref.KeyMaterialBase64)
	if err != nil {
		return nil, err
	}

	keys, err := expandKey(mediaKey, ref.Class)
	if err != nil {
		return nil, err
	}

	ct := ref.Ciphertext
	if len(ct) < macSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrIntegrityFailed, len(ct))
	}
	body, tag := ct[:len(ct)-macSize], ct[len(ct)-macSize:]

	if !hmac.Equal(computeMAC(keys, body), tag) {
		return nil, ErrIntegrityFailed
	}

	// A body that authenticates but is not block aligned cannot have been
	// produced by the sender's CBC encryption.
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: body length %d not block aligned", ErrPaddingInvalid, len(body))
	}

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("media: new cipher: %w", err)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, keys.iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}

	return &DecryptedMedia{
		Plaintext: plain,
		Class:     ref.Class,
		MimeType:  ref.MimeType,
		Verified:  true,
	}, nil
}

// Encrypt produces a blob in the same format the WhatsApp clients upload:
// AES-256-CBC ciphertext followed by the 10-byte truncated MAC.
func Encrypt(plaintext, mediaKey []byte, class Class) ([]byte, error) {
	if len(mediaKey) != MediaKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(mediaKey), MediaKeySize)
	}

	keys, err := expandKey(mediaKey, class)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("media: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	body := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.iv).CryptBlocks(body, padded)

	return append(body, computeMAC(keys, body)...), nil
}

func computeMAC(keys mediaKeys, body []byte) []byte {
	mac := hmac.New(sha256.New, keys.macKey)
	mac.Write(keys.iv)
	mac.Write(body)
	return mac.Sum(nil)[:macSize]
}

// --- PKCS#7 padding ---

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data), len(data)+padLen)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrPaddingInvalid
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrPaddingInvalid
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(padLen)}, padLen), data[len(data)-padLen:]) {
		return nil, ErrPaddingInvalid
	}
	return data[:len(data)-padLen], nil
}
