package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// sshKeyBits matches a plausible operator-generated RSA key size -- large
// enough that the bait doesn't read as obviously fake in a directory
// listing, small enough to generate quickly per decoy deploy.
const sshKeyBits = 2048

// GenerateSSHKeyPEM mints an RSA keypair, PEM-encodes the private key in
// the classic PKCS#1 "RSA PRIVATE KEY" form (the format real legacy
// operator keys still show up in), and computes the matching public key's
// SHA256 fingerprint the way `ssh-keygen -lf` reports it, following the
// teacher's internal/ca/cert.go PEM-encoding style.
func GenerateSSHKeyPEM() (SSHKeyMaterial, error) {
	key, err := rsa.GenerateKey(rand.Reader, sshKeyBits)
	if err != nil {
		return SSHKeyMaterial{}, fmt.Errorf("generate ssh rsa key: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	pemBytes := pem.EncodeToMemory(block)

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return SSHKeyMaterial{}, fmt.Errorf("derive ssh signer: %w", err)
	}
	fingerprint := ssh.FingerprintSHA256(signer.PublicKey())

	return SSHKeyMaterial{
		PEM:         string(pemBytes),
		Fingerprint: fingerprint,
	}, nil
}
