package asymkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

var (
	// ErrorPrivateKeyDecodeUnknownKeyType is returned when a decoded private key is of an invalid type
	ErrorPrivateKeyDecodeUnknownKeyType = utils.NewMedChainError("ASYMKEY_PRIVATE_KEY_DECODE_UNKNOWN_KEY_TYPE", "PrivateKeyDecode: unknown key type")
	// ErrorPublicKeyDecodeUnknownKeyType is returned when a decoded public key is of an invalid type
	ErrorPublicKeyDecodeUnknownKeyType = utils.NewMedChainError("ASYMKEY_PUBLIC_KEY_DECODE_UNKNOWN_KEY_TYPE", "PublicKeyDecode: unknown key type")
	// ErrorGenerateInvalidSize is returned when an invalid key size is given at key generation
	ErrorGenerateInvalidSize = utils.NewMedChainError("ASYMKEY_GENERATE_INVALID_SIZE", "Cannot generate a Private Key of given bit length. Acceptable values are 2048 and 4096")
	// ErrorUnwrapCryptoRSA is returned when an error happens during unwrapping
	ErrorUnwrapCryptoRSA = utils.NewMedChainError("ASYMKEY_UNWRAP_CRYPTO_ERROR", "Cannot unwrap")
	// ErrorUnmarshalBSONValueInvalidType is returned when trying to unmarshal a bson that is not a string
	ErrorUnmarshalBSONValueInvalidType = utils.NewMedChainError("ASYMKEY_UNMARSHALL_BSON_VALUE_INVALID_TYPE", "Cannot unmarshal, type is not String")
	// ErrorUnmarshalBSONValueTooShort is returned when trying to unmarshal a bson that is too short
	ErrorUnmarshalBSONValueTooShort = utils.NewMedChainError("ASYMKEY_UNMARSHALL_BSON_VALUE_TOO_SHORT", "Cannot unmarshal, not enough bytes")
)

type PrivateKey struct {
	key rsa.PrivateKey
}

type PublicKey struct {
	key rsa.PublicKey
}

func Generate(bits int) (*PrivateKey, error) {
	if bits != 2048 && bits != 4096 {
		return nil, tracerr.Wrap(ErrorGenerateInvalidSize.AddDetails(fmt.Sprintf("%d is invalid", bits)))
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil { // cannot cover
		return nil, tracerr.Wrap(err)
	}
	return &PrivateKey{*privateKey}, nil
}

func PrivateKeyDecode(key []byte) (*PrivateKey, error) {
	privateKey, err := x509.ParsePKCS8PrivateKey(key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	switch k := privateKey.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{*k}, nil
	default:
		return nil, tracerr.Wrap(ErrorPrivateKeyDecodeUnknownKeyType.AddDetails(fmt.Sprintf("%T", privateKey)))
	}
}

func PrivateKeyFromB64(b64 string) (*PrivateKey, error) {
	pkcs, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PrivateKeyDecode(pkcs)
}

func (k *PrivateKey) Encode() []byte {
	b, err := x509.MarshalPKCS8PrivateKey(&k.key)
	if err != nil {
		// An error cannot happen for an RSA key; the failing code paths only
		// exist for other key types, which the typing makes impossible.
		panic(err)
	}
	return b
}

func (k *PrivateKey) ToB64() string {
	return base64.StdEncoding.EncodeToString(k.Encode())
}

func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{k.key.PublicKey}
}

// RSA exposes the underlying key for signing APIs (JWT envelopes).
func (k *PrivateKey) RSA() *rsa.PrivateKey {
	return &k.key
}

// Unwrap decrypts a record key wrapped with the matching public key.
func (k *PrivateKey) Unwrap(wrapped []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, &k.key, wrapped, nil)
	if err != nil {
		return nil, tracerr.Wrap(ErrorUnwrapCryptoRSA.AddDetails(err.Error()))
	}
	return plaintext, nil
}

func PublicKeyDecode(key []byte) (*PublicKey, error) {
	publicKey, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	switch k := publicKey.(type) {
	case *rsa.PublicKey:
		return &PublicKey{*k}, nil
	default:
		return nil, tracerr.Wrap(ErrorPublicKeyDecodeUnknownKeyType.AddDetails(fmt.Sprintf("%T", publicKey)))
	}
}

func PublicKeyFromB64(b64 string) (*PublicKey, error) {
	pkix, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PublicKeyDecode(pkix)
}

func (k *PublicKey) Encode() []byte {
	b, err := x509.MarshalPKIXPublicKey(&k.key)
	if err != nil { // cannot cover, see PrivateKey.Encode
		panic(err)
	}
	return b
}

func (k *PublicKey) ToB64() string {
	return base64.StdEncoding.EncodeToString(k.Encode())
}

// RSA exposes the underlying key for signature verification APIs.
func (k *PublicKey) RSA() *rsa.PublicKey {
	return &k.key
}

// Wrap encrypts a record key for the holder of the matching private key.
func (k *PublicKey) Wrap(recordKey []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &k.key, recordKey, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return wrapped, nil
}

func (k *PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *PrivateKey) UnmarshalJSON(b []byte) error {
	var data string
	err := json.Unmarshal(b, &data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	privateKey, err := PrivateKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = privateKey.key
	return nil
}

func (k *PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var data string
	err := json.Unmarshal(b, &data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	publicKey, err := PublicKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = publicKey.key
	return nil
}

func (k *PrivateKey) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(k.ToB64())
}

func (k *PrivateKey) UnmarshalBSONValue(t bsontype.Type, b []byte) error {
	str, err := readBSONString(t, b)
	if err != nil {
		return tracerr.Wrap(err)
	}
	privateKey, err := PrivateKeyFromB64(str)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = privateKey.key
	return nil
}

func (k *PublicKey) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(k.ToB64())
}

func (k *PublicKey) UnmarshalBSONValue(t bsontype.Type, b []byte) error {
	str, err := readBSONString(t, b)
	if err != nil {
		return tracerr.Wrap(err)
	}
	publicKey, err := PublicKeyFromB64(str)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = publicKey.key
	return nil
}

func readBSONString(t bsontype.Type, b []byte) (string, error) {
	if t != bson.TypeString {
		return "", tracerr.Wrap(ErrorUnmarshalBSONValueInvalidType)
	}
	str, _, ok := bsoncore.ReadString(b)
	if !ok {
		return "", tracerr.Wrap(ErrorUnmarshalBSONValueTooShort)
	}
	return str, nil
}
