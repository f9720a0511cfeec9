// Package keyset holds the keys needed to decrypt and authenticate CTR containers.
//
// Keys are never derived from secret hardware material: they must be supplied in cleartext, either
// from a YAML file or individually.
package keyset

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Keyset is read-only once loaded, and can be shared by all parsers of a run.
type Keyset struct {
	// CommonKey decrypts title keys of tickets using common key index 0.
	CommonKey Key128
	// NCCHKey overrides key derivation for every NCCH.
	NCCHKey Key128
	// NCCHFixedSystemKey is used by system titles flagged with a fixed key.
	NCCHFixedSystemKey Key128

	NCSDRSA     RSAKey
	NCCHRSA     RSAKey
	NCCHDescRSA RSAKey
	FirmRSA     RSAKey
}

// CommonKeyAt returns the common key of the given index. Only index 0 can be supplied, other
// indexes are always absent.
func (k *Keyset) CommonKeyAt(index uint8) Key128 {
	if k == nil || index != 0 {
		return Key128{}
	}
	return k.CommonKey
}

// Merge copies every present key of other into k.
func (k *Keyset) Merge(other *Keyset) {
	if other == nil {
		return
	}
	mergeKey(&k.CommonKey, other.CommonKey)
	mergeKey(&k.NCCHKey, other.NCCHKey)
	mergeKey(&k.NCCHFixedSystemKey, other.NCCHFixedSystemKey)
	mergeRSAKey(&k.NCSDRSA, other.NCSDRSA)
	mergeRSAKey(&k.NCCHRSA, other.NCCHRSA)
	mergeRSAKey(&k.NCCHDescRSA, other.NCCHDescRSA)
	mergeRSAKey(&k.FirmRSA, other.FirmRSA)
}

func mergeKey(dst *Key128, src Key128) {
	if src.Valid() {
		*dst = src
	}
}

func mergeRSAKey(dst *RSAKey, src RSAKey) {
	if src.Type() != RSAKeyAbsent {
		*dst = src
	}
}

type rsaKeyFile struct {
	N  string `yaml:"n"`
	E  string `yaml:"e"`
	D  string `yaml:"d"`
	P  string `yaml:"p"`
	Q  string `yaml:"q"`
	DP string `yaml:"dp"`
	DQ string `yaml:"dq"`
	QP string `yaml:"qp"`
}

type keysetFile struct {
	CommonKey          string     `yaml:"commonkey"`
	NCCHKey            string     `yaml:"ncchkey"`
	NCCHFixedSystemKey string     `yaml:"ncchfixedsystemkey"`
	NCSDRSAKey         rsaKeyFile `yaml:"ncsdrsakey"`
	NCCHRSAKey         rsaKeyFile `yaml:"ncchrsakey"`
	NCCHDescRSAKey     rsaKeyFile `yaml:"ncchdescrsakey"`
	FirmRSAKey         rsaKeyFile `yaml:"firmrsakey"`
}

// Parse a keyset from YAML, where every key is an hexadecimal string.
func Parse(data []byte) (*Keyset, error) {
	var file keysetFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("keyset: failed to parse: %w", err)
	}

	var k Keyset
	var err error

	for _, key := range []struct {
		name  string
		value string
		dst   *Key128
	}{
		{"commonkey", file.CommonKey, &k.CommonKey},
		{"ncchkey", file.NCCHKey, &k.NCCHKey},
		{"ncchfixedsystemkey", file.NCCHFixedSystemKey, &k.NCCHFixedSystemKey},
	} {
		if key.value == "" {
			continue
		}
		*key.dst, err = ParseKey128(key.value)
		if err != nil {
			return nil, fmt.Errorf("keyset: invalid %s: %w", key.name, err)
		}
	}

	for _, key := range []struct {
		name  string
		value rsaKeyFile
		dst   *RSAKey
	}{
		{"ncsdrsakey", file.NCSDRSAKey, &k.NCSDRSA},
		{"ncchrsakey", file.NCCHRSAKey, &k.NCCHRSA},
		{"ncchdescrsakey", file.NCCHDescRSAKey, &k.NCCHDescRSA},
		{"firmrsakey", file.FirmRSAKey, &k.FirmRSA},
	} {
		*key.dst, err = parseRSAKey(key.value)
		if err != nil {
			return nil, fmt.Errorf("keyset: invalid %s: %w", key.name, err)
		}
	}

	return &k, nil
}

func parseRSAKey(file rsaKeyFile) (RSAKey, error) {
	var k RSAKey
	for _, field := range []struct {
		name  string
		value string
		dst   *[]byte
		size  int
	}{
		{"n", file.N, &k.N, 0x100},
		{"e", file.E, &k.E, 0},
		{"d", file.D, &k.D, 0},
		{"p", file.P, &k.P, 0},
		{"q", file.Q, &k.Q, 0},
		{"dp", file.DP, &k.DP, 0},
		{"dq", file.DQ, &k.DQ, 0},
		{"qp", file.QP, &k.QP, 0},
	} {
		if field.value == "" {
			continue
		}
		b, err := hex.DecodeString(strings.TrimSpace(field.value))
		if err != nil {
			return RSAKey{}, fmt.Errorf("%s: %w", field.name, err)
		}
		if field.size != 0 && len(b) != field.size {
			return RSAKey{}, fmt.Errorf("%s must be %d bytes long, got %d", field.name, field.size, len(b))
		}
		*field.dst = b
	}

	if len(k.N) == 0 && len(k.D) != 0 {
		return RSAKey{}, fmt.Errorf("private exponent given without modulus")
	}
	return k, nil
}

// Load a keyset from a YAML file.
func Load(fs afero.Fs, path string) (*Keyset, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("keyset: failed to read %s: %w", path, err)
	}
	return Parse(data)
}
