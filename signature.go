package ctrcrypt

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"

	"github.com/connesc/ctrcrypt/keyset"
)

// VerifySignature checks an RSA PKCS#1 v1.5 signature over the SHA-256 of message.
//
// An absent key yields Unchecked.
func VerifySignature(key keyset.RSAKey, message, signature []byte) Status {
	return verifyRSA(key.PublicKey(), crypto.SHA256, message, signature)
}

func verifyRSA(pub *rsa.PublicKey, hash crypto.Hash, message, signature []byte) Status {
	if pub == nil {
		return Unchecked
	}

	var digest []byte
	switch hash {
	case crypto.SHA1:
		sum := sha1.Sum(message)
		digest = sum[:]
	default:
		hash = crypto.SHA256
		digest = sha256Hash(message)
	}

	return statusOf(rsa.VerifyPKCS1v15(pub, hash, digest, signature) == nil)
}
