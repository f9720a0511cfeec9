package keyset

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// RSAKeyType tells which parts of an RSAKey are present.
type RSAKeyType int

// RSA key types.
const (
	RSAKeyAbsent RSAKeyType = iota
	RSAKeyPublic
	RSAKeyPrivate
)

// DefaultExponent is used when a public key comes without an exponent.
const DefaultExponent = 65537

// RSAKey is an RSA-2048 key that may be absent, public only, or private.
type RSAKey struct {
	N, E []byte

	// Private part, big-endian.
	D, P, Q, DP, DQ, QP []byte
}

// NewRSAPublicKey returns a public key made of the given modulus and exponent.
func NewRSAPublicKey(modulus []byte, exponent int) RSAKey {
	return RSAKey{
		N: append([]byte(nil), modulus...),
		E: big.NewInt(int64(exponent)).Bytes(),
	}
}

// Type of the key.
func (k RSAKey) Type() RSAKeyType {
	switch {
	case len(k.N) == 0:
		return RSAKeyAbsent
	case len(k.D) == 0:
		return RSAKeyPublic
	default:
		return RSAKeyPrivate
	}
}

func (k RSAKey) exponent() int {
	if len(k.E) == 0 {
		return DefaultExponent
	}
	return int(new(big.Int).SetBytes(k.E).Int64())
}

// PublicKey returns the public part of the key, or nil if the key is absent.
func (k RSAKey) PublicKey() *rsa.PublicKey {
	if k.Type() == RSAKeyAbsent {
		return nil
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(k.N),
		E: k.exponent(),
	}
}

// PrivateKey returns the full private key, or nil if it is not available.
func (k RSAKey) PrivateKey() (*rsa.PrivateKey, error) {
	if k.Type() != RSAKeyPrivate {
		return nil, nil
	}
	if len(k.P) == 0 || len(k.Q) == 0 {
		return nil, fmt.Errorf("keyset: private key is missing its prime factors")
	}

	priv := &rsa.PrivateKey{
		PublicKey: *k.PublicKey(),
		D:         new(big.Int).SetBytes(k.D),
		Primes: []*big.Int{
			new(big.Int).SetBytes(k.P),
			new(big.Int).SetBytes(k.Q),
		},
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("keyset: invalid private key: %w", err)
	}
	priv.Precompute()
	return priv, nil
}

// NewRSAKey converts a Go RSA private key, mostly useful to build test fixtures.
func NewRSAKey(priv *rsa.PrivateKey) RSAKey {
	priv.Precompute()
	return RSAKey{
		N:  priv.N.Bytes(),
		E:  big.NewInt(int64(priv.E)).Bytes(),
		D:  priv.D.Bytes(),
		P:  priv.Primes[0].Bytes(),
		Q:  priv.Primes[1].Bytes(),
		DP: priv.Precomputed.Dp.Bytes(),
		DQ: priv.Precomputed.Dq.Bytes(),
		QP: priv.Precomputed.Qinv.Bytes(),
	}
}
