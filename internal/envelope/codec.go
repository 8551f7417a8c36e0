package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Codec applies best-effort symmetric scrambling to wire frames: AES-256-CBC
// with a single static key, framed as base64(iv):base64(ciphertext). It is
// transport-level obfuscation only, not a security boundary — there is no
// authentication and the key is shared fleet-wide. A nil or empty key
// disables it entirely.
type Codec struct {
	block cipher.Block
}

// NewCodec builds a codec from a 32-byte key. An empty key returns a disabled
// codec that passes frames through untouched.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: cipher key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init: %w", err)
	}
	return &Codec{block: block}, nil
}

// Enabled reports whether frames will be scrambled.
func (c *Codec) Enabled() bool {
	return c != nil && c.block != nil
}

// Encode scrambles a plaintext frame. Pass-through when disabled.
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	if !c.Enabled() {
		return plain, nil
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("envelope: iv: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ct, padded)

	frame := base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct)
	return []byte(frame), nil
}

// Decode attempts to unscramble a frame. The second return reports whether
// the frame was actually scrambled. A frame that merely looks scrambled but
// fails to decrypt is returned as-is, matching the permissive inbound path:
// clients may send plaintext even when scrambling is configured.
func (c *Codec) Decode(frame []byte) ([]byte, bool) {
	if !c.Enabled() || !bytes.ContainsRune(frame, ':') {
		return frame, false
	}

	plain, err := c.decrypt(frame)
	if err != nil {
		return frame, false
	}
	return plain, true
}

func (c *Codec) decrypt(frame []byte) ([]byte, error) {
	ivPart, ctPart, ok := bytes.Cut(frame, []byte(":"))
	if !ok {
		return nil, errors.New("envelope: malformed cipher frame")
	}

	iv, err := base64.StdEncoding.DecodeString(string(ivPart))
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.New("envelope: bad iv")
	}
	ct, err := base64.StdEncoding.DecodeString(string(ctPart))
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("envelope: bad ciphertext")
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("envelope: bad padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("envelope: bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("envelope: bad padding")
		}
	}
	return data[:len(data)-n], nil
}
