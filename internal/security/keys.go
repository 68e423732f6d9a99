package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM returns s itself when it is inline PEM and the file at path s otherwise.
// Inline PEM taken from an env var may carry literal \n sequences; they are expanded.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

func firstBlock(s string) (*pem.Block, error) {
	raw, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || len(block.Bytes) == 0 {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// ParsePrivateKey parses the JWT signing key (RSA, ECDSA or Ed25519) from inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := firstBlock(s)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok || SigningMethodFor(signer.Public()) == nil {
		return nil, ErrInvalidKey
	}
	return signer, nil
}

// ParsePublicKey parses the JWT verification key from inline PEM or a file path.
// Certificates are accepted and yield their subject key.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := firstBlock(s)
	if err != nil {
		return nil, err
	}
	var pub crypto.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			pub = cert.PublicKey
		}
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if SigningMethodFor(pub) == nil {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// SigningMethodFor maps a key to the only JWT algorithm tokens for it may use.
// ECDSA keys are bound by curve. Nil means the key is unsupported.
func SigningMethodFor(pub crypto.PublicKey) jwt.SigningMethod {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256
		case elliptic.P384():
			return jwt.SigningMethodES384
		case elliptic.P521():
			return jwt.SigningMethodES512
		}
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA
	}
	return nil
}

// KeyAlg is the "alg" header value for pub, empty when unsupported.
func KeyAlg(pub crypto.PublicKey) string {
	if m := SigningMethodFor(pub); m != nil {
		return m.Alg()
	}
	return ""
}
