package hashing

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DigestLength is the number of hex characters returned by HashIdentifier.
const DigestLength = 16

// domain separates identifier digests from any other use of the same salt.
const domain = "ephemeral-auth/identifier/v1"

// HashIdentifier returns a deterministic, one-way digest of identifier keyed by
// salt: the first 8 bytes of a keyed BLAKE2b-256, hex encoded.
func HashIdentifier(identifier, salt string) string {
	h, err := blake2b.New256(saltKey(salt))
	if err != nil {
		// saltKey never yields more than 64 bytes.
		panic("blake2b: " + err.Error())
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(identifier))
	return hex.EncodeToString(h.Sum(nil))[:DigestLength]
}

// saltKey fits salt into the BLAKE2b key size limit.
func saltKey(salt string) []byte {
	if salt == "" {
		return nil
	}
	if len(salt) <= blake2b.Size {
		return []byte(salt)
	}
	sum := blake2b.Sum256([]byte(salt))
	return sum[:]
}

// Hasher binds the process-wide salt so callers cannot forget it.
type Hasher struct {
	salt string
}

func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

func (h *Hasher) HashIdentifier(identifier string) string {
	return HashIdentifier(identifier, h.salt)
}
