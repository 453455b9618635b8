package certificate

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// VerifySignature checks an ed25519 signature over a certificate hash.
func VerifySignature(pub ed25519.PublicKey, certificateHash, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(certificateHash), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
