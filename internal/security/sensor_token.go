package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// SensorTokenPrefix marks sensor ingest tokens so they are recognisable in logs and secret scanners.
const SensorTokenPrefix = "sns_"

// GenerateSensorToken returns a new random sensor token. Only its hash is persisted.
func GenerateSensorToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return SensorTokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSensorToken returns the hex-encoded SHA-256 of token.
func HashSensorToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SensorTokenHashEqual reports whether token hashes to storedHash, in constant time.
func SensorTokenHashEqual(token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSensorToken(token)), []byte(storedHash)) == 1
}

// TokenPreview returns the last four characters of token for display.
func TokenPreview(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[len(token)-4:]
}
