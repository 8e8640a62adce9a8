package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// IVSize is the length of the random initialization vector prepended to
// every ciphertext.
const IVSize = aes.BlockSize

// randReader is a seam for exercising IV generation failures.
var randReader io.Reader = rand.Reader

// Encrypt seals plaintext under key with AES-256-CBC and PKCS#7 padding.
//
// A fresh random IV is generated for each call. The result is the base64
// (standard alphabet, padded) encoding of IV ‖ ciphertext, which is exactly
// what is stored on disk.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	raw := make([]byte, IVSize+len(padded))

	iv := raw[:IVSize]
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(raw[IVSize:], padded)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Decrypt reverses Encrypt. The boolean is false when blob is not base64,
// is too short or misaligned to hold an IV and at least one block, or the
// padding does not check out under key. A false result is the normal
// outcome of trying the wrong key and carries no error.
//
// Padding alone cannot prove the key was right; callers validate the
// plaintext structure as well.
func Decrypt(blob []byte, key Key) ([]byte, bool) {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 {
		return nil, false
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(raw, blob)
	if err != nil {
		return nil, false
	}
	raw = raw[:n]

	if len(raw) < IVSize+aes.BlockSize || (len(raw)-IVSize)%aes.BlockSize != 0 {
		return nil, false
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, false
	}

	iv, ciphertext := raw[:IVSize], raw[IVSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, aes.BlockSize)
}

// Wipe overwrites b with zeros. Used on decrypted buffers once they have
// been re-encrypted. Nil is a no-op.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
