package ctrcrypt

import (
	"crypto"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/connesc/ctrcrypt/ctrutil"
)

// Signature types found in tickets, TMDs and certificates.
const (
	SigRSA4096SHA1   = 0x10000
	SigRSA2048SHA1   = 0x10001
	SigECDSASHA1     = 0x10002
	SigRSA4096SHA256 = 0x10003
	SigRSA2048SHA256 = 0x10004
	SigECDSASHA256   = 0x10005
)

// Public key types of certificates.
const (
	KeyRSA4096 = 0x0
	KeyRSA2048 = 0x1
	KeyECDSA   = 0x2
)

// signatureHeader is the signature that precedes every signed blob, padded to a 0x40 boundary.
type signatureHeader struct {
	Type      uint32
	Hash      crypto.Hash
	Signature []byte
	Size      int64
}

func signatureLayout(sigType uint32) (sigLen, size int64, hash crypto.Hash, err error) {
	switch sigType {
	case SigRSA4096SHA1, SigRSA4096SHA256:
		sigLen, size = 0x200, 0x240
	case SigRSA2048SHA1, SigRSA2048SHA256:
		sigLen, size = 0x100, 0x140
	case SigECDSASHA1, SigECDSASHA256:
		sigLen, size = 0x3c, 0x80
	default:
		return 0, 0, 0, fmt.Errorf("unexpected signature type: 0x%08x", sigType)
	}

	hash = crypto.SHA256
	if sigType <= SigECDSASHA1 {
		hash = crypto.SHA1
	}
	return sigLen, size, hash, nil
}

// readSignatureHeader reads a signature header. It returns io.EOF if no byte could be read.
func readSignatureHeader(r *ctrutil.Reader, container string) (*signatureHeader, error) {
	typeBytes, err := r.ReadN(4)
	if err == io.EOF {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%s: failed to read signature type: %w", container, err)
	}

	sigType := binary.BigEndian.Uint32(typeBytes)
	sigLen, size, hash, err := signatureLayout(sigType)
	if err != nil {
		return nil, &FormatError{Container: container, Msg: err.Error()}
	}

	rest, err := r.ReadN(int(size - 4))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read signature: %w", container, err)
	}

	return &signatureHeader{
		Type:      sigType,
		Hash:      hash,
		Signature: rest[:sigLen],
		Size:      size,
	}, nil
}

// Certificate of a chain found in CIA files, or after tickets and TMDs.
type Certificate struct {
	SignatureType Hex32
	Issuer        string
	KeyType       Hex32
	Name          string
	Signature     Status

	PublicKey *rsa.PublicKey `json:"-"`
	Raw       []byte         `json:"-"`

	header *signatureHeader
	body   []byte
}

// FullName is the name used by the issuer fields of the certificates signed with this one.
func (c *Certificate) FullName() string {
	return c.Issuer + "-" + c.Name
}

func certificateKeyLen(keyType uint32) (int, error) {
	switch keyType {
	case KeyRSA4096:
		return 0x238, nil
	case KeyRSA2048:
		return 0x138, nil
	case KeyECDSA:
		return 0x78, nil
	default:
		return 0, fmt.Errorf("unexpected key type: 0x%08x", keyType)
	}
}

// ParseCertificate reads a single certificate. It returns io.EOF if the input is empty.
func ParseCertificate(input io.Reader) (*Certificate, error) {
	r := ctrutil.NewReader(input)

	header, err := readSignatureHeader(r, "certs")
	if err != nil {
		return nil, err
	}

	fixed, err := r.ReadN(0x88)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to read certificate: %w", err)
	}

	keyType := binary.BigEndian.Uint32(fixed[0x40:])
	keyLen, err := certificateKeyLen(keyType)
	if err != nil {
		return nil, &FormatError{Container: "certs", Msg: err.Error()}
	}

	key, err := r.ReadN(keyLen)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to read public key: %w", err)
	}

	body := append(fixed, key...)
	cert := &Certificate{
		SignatureType: Hex32(header.Type),
		Issuer:        trimString(fixed[:0x40]),
		KeyType:       Hex32(keyType),
		Name:          trimString(fixed[0x44:0x84]),
		header:        header,
		body:          body,
	}

	switch keyType {
	case KeyRSA4096, KeyRSA2048:
		modulusLen := keyLen - 0x38
		cert.PublicKey = &rsa.PublicKey{
			N: new(big.Int).SetBytes(key[:modulusLen]),
			E: int(binary.BigEndian.Uint32(key[modulusLen:])),
		}
	}

	raw := make([]byte, 0, header.Size+int64(len(body)))
	raw = binary.BigEndian.AppendUint32(raw, header.Type)
	raw = append(raw, header.Signature...)
	raw = append(raw, make([]byte, header.Size-4-int64(len(header.Signature)))...)
	cert.Raw = append(raw, body...)

	return cert, nil
}

// CertificateChain is an ordered list of certificates.
type CertificateChain []*Certificate

// ParseCertificateChain reads certificates until the end of the input.
func ParseCertificateChain(input io.Reader) (CertificateChain, error) {
	r := ctrutil.NewReader(input)

	var chain CertificateChain
	for {
		offset := r.Offset()
		cert, err := ParseCertificate(r)
		if err == io.EOF {
			return chain, nil
		} else if err != nil {
			return chain, fmt.Errorf("certificate %d at 0x%x: %w", len(chain), offset, err)
		}
		chain = append(chain, cert)
	}
}

// Lookup returns the certificate designated by an issuer field such as
// "Root-CA00000003-XS0000000c", which is the one named after its last component.
func (c CertificateChain) Lookup(issuer string) *Certificate {
	name := issuer
	if i := strings.LastIndexByte(issuer, '-'); i >= 0 {
		name = issuer[i+1:]
	}
	for _, cert := range c {
		if cert.Name == name {
			return cert
		}
	}
	return nil
}

// verify checks a signature made by the certificate designated by issuer. The result is
// Unchecked if the chain does not hold that certificate.
func (c CertificateChain) verify(issuer string, header *signatureHeader, message []byte) Status {
	cert := c.Lookup(issuer)
	if cert == nil || cert.PublicKey == nil {
		return Unchecked
	}
	if cert.FullName() != issuer {
		return Fail
	}
	return verifyRSA(cert.PublicKey, header.Hash, message, header.Signature)
}

// Verify the signature of every certificate against its issuer within the chain. Certificates
// issued by a root that is not part of the chain stay Unchecked.
func (c CertificateChain) Verify() {
	for _, cert := range c {
		cert.Signature = c.verify(cert.Issuer, cert.header, cert.body)
	}
}
