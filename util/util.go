package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"os"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
)

const nonceLen = 12

// SymKeyLen is the length of the document keys. It fits in one point of
// the suite, so it can be stored in a Calypso write.
const SymKeyLen = 16

// NewSymKey returns a random document key.
func NewSymKey() []byte {
	key := make([]byte, SymKeyLen)
	random.Bytes(key, random.New())
	return key
}

// AeadSeal encrypts data with AES-GCM. The nonce is appended to the
// ciphertext.
func AeadSeal(symKey, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, err
	}
	// Never use more than 2^32 random nonces with a given key because of the risk of a repeat.
	nonce := make([]byte, nonceLen)
	random.Bytes(nonce, random.New())

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	encData := aesgcm.Seal(nil, nonce, data, nil)
	encData = append(encData, nonce...)
	return encData, nil
}

// AeadOpen decrypts a ciphertext of AeadSeal.
func AeadOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceLen+aesgcm.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[len(ciphertext)-nonceLen:]
	return aesgcm.Open(nil, nonce, ciphertext[0:len(ciphertext)-nonceLen], nil)
}

// ReadRoster reads the roster of a group toml file, as written by the
// conodes.
func ReadRoster(path string) (*onet.Roster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	group, err := app.ReadGroupDescToml(file)
	if err != nil {
		return nil, err
	}
	if group.Roster == nil || len(group.Roster.List) == 0 {
		log.Error("Empty roster in", path)
		return nil, errors.New("empty roster")
	}
	return group.Roster, nil
}

// ReadScalar reads a hex-encoded scalar, like a private key.
func ReadScalar(s string) (kyber.Scalar, error) {
	return encoding.StringHexToScalar(cothority.Suite, s)
}
