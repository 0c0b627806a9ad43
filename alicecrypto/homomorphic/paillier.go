// Package homomorphic sums Paillier ciphertexts without ever seeing a private key.
//
// Adding plaintexts under Paillier is multiplying ciphertexts modulo n², so the
// server can aggregate values it cannot read. Key generation and decryption
// stay with the client.
package homomorphic

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// EmptySentinel is returned when there is nothing to aggregate. It is not a
// valid encryption of zero; clients must not decrypt it.
const EmptySentinel = "0"

// DefaultMaxOperands bounds a single aggregation request.
const DefaultMaxOperands = 10000

var (
	ErrInvalidPublicKey  = errors.New("homomorphic: invalid public key")
	ErrInvalidCiphertext = errors.New("homomorphic: invalid ciphertext")
	ErrTooManyOperands   = errors.New("homomorphic: too many operands")
	ErrMessageTooLarge   = errors.New("homomorphic: plaintext out of range")
)

var one = big.NewInt(1)

// PublicKey is a Paillier public key. G is optional and only used by Encrypt.
type PublicKey struct {
	N        *big.Int
	G        *big.Int
	NSquared *big.Int
}

// ParsePublicKey parses decimal n and g. g may be empty, in which case the
// standard generator n+1 is assumed.
func ParsePublicKey(n, g string) (*PublicKey, error) {
	nn, ok := parseDecimal(n)
	if !ok || nn.Cmp(one) <= 0 {
		return nil, fmt.Errorf("%w: n", ErrInvalidPublicKey)
	}

	pk := &PublicKey{
		N:        nn,
		NSquared: new(big.Int).Mul(nn, nn),
	}
	if strings.TrimSpace(g) == "" {
		pk.G = new(big.Int).Add(nn, one)
		return pk, nil
	}
	gg, ok := parseDecimal(g)
	if !ok || gg.Sign() <= 0 || gg.Cmp(pk.NSquared) >= 0 {
		return nil, fmt.Errorf("%w: g", ErrInvalidPublicKey)
	}
	pk.G = gg
	return pk, nil
}

// ParseCiphertext parses a decimal ciphertext and checks 0 <= c < n².
func (pk *PublicKey) ParseCiphertext(s string) (*big.Int, error) {
	c, ok := parseDecimal(s)
	if !ok {
		return nil, ErrInvalidCiphertext
	}
	if c.Sign() < 0 || c.Cmp(pk.NSquared) >= 0 {
		return nil, fmt.Errorf("%w: out of range", ErrInvalidCiphertext)
	}
	return c, nil
}

// Add returns the ciphertext of the sum of the plaintexts behind a and b.
func (pk *PublicKey) Add(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, pk.NSquared)
}

// Encrypt encrypts m (0 <= m < n) as g^m * r^n mod n². A nil random uses crypto/rand.
func (pk *PublicKey) Encrypt(m *big.Int, random io.Reader) (*big.Int, error) {
	if m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return nil, ErrMessageTooLarge
	}
	if random == nil {
		random = rand.Reader
	}

	var r *big.Int
	for {
		var err error
		r, err = rand.Int(random, pk.N)
		if err != nil {
			return nil, err
		}
		if r.Sign() > 0 && new(big.Int).GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			break
		}
	}

	gm := new(big.Int).Exp(pk.G, m, pk.NSquared)
	rn := new(big.Int).Exp(r, pk.N, pk.NSquared)
	return pk.Add(gm, rn), nil
}

// Aggregator folds ciphertext lists. The zero value is usable and applies no
// operand limit.
type Aggregator struct {
	MaxOperands int
}

// NewAggregator returns an aggregator with the given operand limit.
func NewAggregator(maxOperands int) *Aggregator {
	return &Aggregator{MaxOperands: maxOperands}
}

// Compute multiplies the decimal ciphertexts modulo n² and returns the result
// in decimal. n is validated first, so a bad key fails even with no values.
// g is accepted for symmetry with the client's key format and is not used.
func (a *Aggregator) Compute(n, g string, ciphertexts []string) (string, error) {
	pk, err := ParsePublicKey(n, "")
	if err != nil {
		return "", err
	}
	if len(ciphertexts) == 0 {
		return EmptySentinel, nil
	}
	if a.MaxOperands > 0 && len(ciphertexts) > a.MaxOperands {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyOperands, len(ciphertexts), a.MaxOperands)
	}

	acc := big.NewInt(1)
	for i, s := range ciphertexts {
		c, err := pk.ParseCiphertext(s)
		if err != nil {
			return "", fmt.Errorf("operand %d: %w", i, err)
		}
		acc.Mul(acc, c)
		acc.Mod(acc, pk.NSquared)
	}
	return acc.String(), nil
}

// Compute runs an Aggregator with DefaultMaxOperands.
func Compute(n, g string, ciphertexts []string) (string, error) {
	return NewAggregator(DefaultMaxOperands).Compute(n, g, ciphertexts)
}

func parseDecimal(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
