package generator

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/awnumar/memguard"

	"secret-rotator/internal/models"
)

const (
	apiKeyPrefix        = "ak_"
	apiKeyLength        = 40
	webhookSecretPrefix = "whsec_"
	webhookSecretBytes  = 32
	passwordLength      = 24
	encryptionKeyBytes  = 32
	oauthSecretBytes    = 48

	alphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	symbolChars  = "!#$%&*+-=?@^_~"
)

var ErrUnsupportedType = errors.New("unsupported secret type")

// Generator produces fresh credential values. Values are sealed in a memguard enclave as soon as
// they are produced.
type Generator struct {
	random io.Reader
}

func New() *Generator {
	return &Generator{random: rand.Reader}
}

// Secret is a generated value held encrypted in memory.
type Secret struct {
	enclave *memguard.Enclave
	size    int
}

// Open decrypts the value into a locked buffer. Callers must Destroy the buffer.
func (s *Secret) Open() (*memguard.LockedBuffer, error) {
	if s == nil || s.enclave == nil {
		return nil, errors.New("secret is empty")
	}
	return s.enclave.Open()
}

func (s *Secret) Size() int {
	return s.size
}

func (g *Generator) Generate(secretType models.SecretType) (*Secret, error) {
	var (
		value []byte
		err   error
	)

	switch secretType {
	case models.SecretTypeAPIKey:
		value, err = g.prefixedAlphaNumeric(apiKeyPrefix, apiKeyLength)
	case models.SecretTypeWebhookSecret:
		value, err = g.encodedBytes(webhookSecretPrefix, webhookSecretBytes, base64.StdEncoding)
	case models.SecretTypePassword:
		value, err = g.password(passwordLength)
	case models.SecretTypeEncryptionKey:
		value, err = g.encodedBytes("", encryptionKeyBytes, base64.StdEncoding)
	case models.SecretTypeOAuthSecret:
		value, err = g.encodedBytes("", oauthSecretBytes, base64.RawURLEncoding)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, secretType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", secretType, err)
	}

	size := len(value)
	// NewEnclave wipes value after sealing it.
	return &Secret{enclave: memguard.NewEnclave(value), size: size}, nil
}

func (g *Generator) prefixedAlphaNumeric(prefix string, length int) ([]byte, error) {
	out := make([]byte, 0, len(prefix)+length)
	out = append(out, prefix...)
	for range length {
		c, err := g.pick(alphaNumeric)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *Generator) encodedBytes(prefix string, n int, encoding *base64.Encoding) ([]byte, error) {
	raw := make([]byte, n)
	defer memguard.WipeBytes(raw)
	if _, err := io.ReadFull(g.random, raw); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	out := make([]byte, len(prefix)+encoding.EncodedLen(n))
	copy(out, prefix)
	encoding.Encode(out[len(prefix):], raw)
	return out, nil
}

// password guarantees at least one character from each class, then shuffles.
func (g *Generator) password(length int) ([]byte, error) {
	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	all := lowerChars + upperChars + digitChars + symbolChars

	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := g.pick(class)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := g.pick(all)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (g *Generator) pick(charset string) (byte, error) {
	i, err := g.intn(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[i], nil
}

func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.random, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return int(v.Int64()), nil
}
