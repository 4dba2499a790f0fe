package record_cipher

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorDecodeInvalidLength is returned when decoding a key of invalid length
	ErrorDecodeInvalidLength = utils.NewMedChainError("RECORDCIPHER_DECODE_INVALID_LENGTH", "can't decode RecordKey, invalid length")
	// ErrorEncryptInvalidKeySize is returned when encrypting with a key of invalid size
	ErrorEncryptInvalidKeySize = utils.NewMedChainError("RECORDCIPHER_ENCRYPT_INVALID_KEY_SIZE", "invalid key size")
	// ErrorDecryptInvalidKeySize is returned when decrypting with a key of invalid size
	ErrorDecryptInvalidKeySize = utils.NewMedChainError("RECORDCIPHER_DECRYPT_INVALID_KEY_SIZE", "invalid key size")
	// ErrorDecryptCipherTooShort is returned when the ciphertext is too short to even hold a nonce
	ErrorDecryptCipherTooShort = utils.NewMedChainError("RECORDCIPHER_DECRYPT_CIPHER_TOO_SHORT", "ciphertext is too short")
	// ErrorDecryptionFailed is returned when the key is wrong or the ciphertext has been tampered with
	ErrorDecryptionFailed = utils.NewMedChainError("RECORDCIPHER_DECRYPTION_FAILED", "cannot decrypt: wrong key or corrupted ciphertext")
)

const (
	keySize   = 32
	nonceSize = 12
)

// RecordKey is the symmetric key protecting one medical record.
// A fresh key is generated for every record, and only ever leaves the
// patient wrapped for an authorized doctor's public key.
type RecordKey struct {
	key []byte
}

func Generate() (*RecordKey, error) {
	randomData, err := utils.GenerateRandomBytes(keySize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &RecordKey{key: randomData}, nil
}

func (recordKey *RecordKey) Encode() []byte {
	encodedKey := make([]byte, keySize)
	copy(encodedKey, recordKey.key)
	return encodedKey
}

func Decode(key []byte) (*RecordKey, error) {
	if len(key) != keySize {
		return nil, tracerr.Wrap(ErrorDecodeInvalidLength)
	}
	keyCopy := make([]byte, keySize)
	copy(keyCopy, key)
	return &RecordKey{key: keyCopy}, nil
}

func (recordKey *RecordKey) newAEAD() (cipher.AEAD, error) {
	aesCipher, err := aes.NewCipher(recordKey.key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	aead, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return aead, nil
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is prepended
// to the returned buffer. Two calls on the same plaintext produce different
// ciphertexts, so ciphertext equality on a content-addressed store never
// leaks plaintext equality.
func (recordKey *RecordKey) Encrypt(plaintext []byte) ([]byte, error) {
	if len(recordKey.key) != keySize {
		return nil, tracerr.Wrap(ErrorEncryptInvalidKeySize)
	}
	nonce, err := utils.GenerateRandomBytes(nonceSize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	aead, err := recordKey.newAEAD()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a buffer produced by Encrypt. The AEAD tag covers the whole
// ciphertext, so a wrong key and a tampered buffer are indistinguishable:
// both fail with ErrorDecryptionFailed.
func (recordKey *RecordKey) Decrypt(encryptedData []byte) ([]byte, error) {
	if len(recordKey.key) != keySize {
		return nil, tracerr.Wrap(ErrorDecryptInvalidKeySize)
	}
	if len(encryptedData) < nonceSize {
		return nil, tracerr.Wrap(ErrorDecryptCipherTooShort)
	}
	aead, err := recordKey.newAEAD()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	nonce := encryptedData[:nonceSize]
	cipherText := encryptedData[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptionFailed)
	}
	return plaintext, nil
}
