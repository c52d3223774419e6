package viewersync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// the encrypted wire representation of a partial update.
// the iv and ciphertext are hex encoded. Nothing else is transmitted in clear text.
type Envelope struct {
	Iv         string
	Ciphertext string
}

// a malformed envelope or non-JSON plaintext.
// decode errors drop the message; they never tear down the connection.
type DecodeError struct {
	Reason string
	Cause  error
}

func (self *DecodeError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("decode error: %s: %s", self.Reason, self.Cause)
	}
	return fmt.Sprintf("decode error: %s", self.Reason)
}

func (self *DecodeError) Unwrap() error {
	return self.Cause
}

// aes-256-cbc with the key derived as sha256(secret).
// the cipher mode carries no integrity tag. The codec does not authenticate the
// sender, which is a known limitation of the shared-secret channel.

func secretKey(secret string) []byte {
	key := sha256.Sum256([]byte(secret))
	return key[:]
}

// serializes `record` to JSON and encrypts it with a fresh random iv.
// the iv is never reused across calls.
func EncryptWithSecret(secret string, record any) (*Envelope, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(secretKey(secret))
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &Envelope{
		Iv:         hex.EncodeToString(iv),
		Ciphertext: hex.EncodeToString(ciphertext),
	}, nil
}

// the inverse of `EncryptWithSecret`. Returns a `*DecodeError` if the iv is
// malformed, the ciphertext cannot be decoded, or the plaintext is not valid JSON.
func DecryptWithSecret(secret string, envelope *Envelope, record any) error {
	iv, err := hex.DecodeString(envelope.Iv)
	if err != nil {
		return &DecodeError{Reason: "bad iv", Cause: err}
	}
	if len(iv) != aes.BlockSize {
		return &DecodeError{Reason: fmt.Sprintf("bad iv length %d", len(iv))}
	}

	ciphertext, err := hex.DecodeString(envelope.Ciphertext)
	if err != nil {
		return &DecodeError{Reason: "bad ciphertext", Cause: err}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return &DecodeError{Reason: fmt.Sprintf("bad ciphertext length %d", len(ciphertext))}
	}

	block, err := aes.NewCipher(secretKey(secret))
	if err != nil {
		return err
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext := pkcs7Unpad(padded)
	if plaintext == nil {
		return &DecodeError{Reason: "bad padding"}
	}

	if err := json.Unmarshal(plaintext, record); err != nil {
		return &DecodeError{Reason: "bad plaintext", Cause: err}
	}
	return nil
}

func pkcs7Pad(in []byte) []byte {
	padding := aes.BlockSize - (len(in) % aes.BlockSize)
	out := make([]byte, len(in), len(in)+padding)
	copy(out, in)
	for i := 0; i < padding; i += 1 {
		out = append(out, byte(padding))
	}
	return out
}

func pkcs7Unpad(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}

	padding := in[len(in)-1]
	if int(padding) > len(in) || padding > aes.BlockSize || padding == 0 {
		return nil
	}

	for i := len(in) - 1; i > len(in)-int(padding)-1; i -= 1 {
		if in[i] != padding {
			return nil
		}
	}
	return in[:len(in)-int(padding)]
}
