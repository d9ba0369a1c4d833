package builder

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

const (
	// CanonicalPrivateKeyName is the well-known key location, relative to
	// the invocation's working directory. A pair already present there is
	// reused byte-for-byte instead of regenerating.
	CanonicalPrivateKeyName = "id_rsa"

	rsaKeyBits = 4096
)

// KeyPair describes the credentials installed into the guest and handed back
// to the caller.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// Reused is true when an existing canonical pair was found and copied
	// rather than freshly generated.
	Reused bool
}

// ProvisionCredentials ensures a root SSH key pair exists and installs the
// public half into the extracted tree.
//
// The private key is additionally copied into workDir under a name derived
// from the output image name, so the caller keeps access after the working
// tree is destroyed. The canonical key files are copied, never moved.
func ProvisionCredentials(workDir, tree, outputPath string) (KeyPair, error) {
	privPath := filepath.Join(workDir, CanonicalPrivateKeyName)
	pubPath := privPath + ".pub"

	var (
		privBytes []byte
		pubBytes  []byte
		reused    bool
		err       error
	)

	if _, statErr := os.Stat(privPath); statErr == nil {
		privBytes, pubBytes, err = loadKeyPair(privPath, pubPath)
		if err != nil {
			return KeyPair{}, err
		}
		reused = true
		logging.Info("Reusing existing key pair", "private_key", privPath)
	} else {
		privBytes, pubBytes, err = generateKeyPair()
		if err != nil {
			return KeyPair{}, err
		}
		if err := os.WriteFile(privPath, privBytes, 0o600); err != nil {
			return KeyPair{}, failIO("write private key", err)
		}
		if err := os.WriteFile(pubPath, pubBytes, 0o644); err != nil {
			return KeyPair{}, failIO("write public key", err)
		}
		logging.Info("Generated new key pair", "private_key", privPath)
	}

	if err := installAuthorizedKey(tree, pubBytes); err != nil {
		return KeyPair{}, err
	}

	callerCopy := filepath.Join(workDir, DerivedKeyName(outputPath))
	if callerCopy != privPath {
		if err := os.WriteFile(callerCopy, privBytes, 0o600); err != nil {
			return KeyPair{}, failIO("copy private key for caller", err)
		}
		// WriteFile does not change the mode of a pre-existing file.
		if err := os.Chmod(callerCopy, 0o600); err != nil {
			return KeyPair{}, failIO("restrict private key copy", err)
		}
	}
	logging.Info("Private key available to caller", "path", callerCopy)

	return KeyPair{PrivateKeyPath: callerCopy, PublicKeyPath: pubPath, Reused: reused}, nil
}

// DerivedKeyName names the caller's private key copy after the output image,
// e.g. "alpine-latest.ext4" -> "alpine-latest.id_rsa".
func DerivedKeyName(outputPath string) string {
	base := filepath.Base(outputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + ".id_rsa"
}

func generateKeyPair() (privPEM, pubAuthorized []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fail(KindIO, "generate rsa key", err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	sshPub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fail(KindIO, "derive ssh public key", err)
	}
	return privPEM, ssh.MarshalAuthorizedKey(sshPub), nil
}

func loadKeyPair(privPath, pubPath string) (privBytes, pubBytes []byte, err error) {
	privBytes, err = os.ReadFile(privPath)
	if err != nil {
		return nil, nil, failIO("read private key", err)
	}

	pubBytes, err = os.ReadFile(pubPath)
	if err == nil {
		return privBytes, pubBytes, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, failIO("read public key", err)
	}

	// Public half missing: derive it from the private key instead of
	// regenerating the pair.
	signer, parseErr := ssh.ParsePrivateKey(privBytes)
	if parseErr != nil {
		return nil, nil, fail(KindIO, fmt.Sprintf("parse private key %s", privPath), parseErr)
	}
	return privBytes, ssh.MarshalAuthorizedKey(signer.PublicKey()), nil
}

// installAuthorizedKey places the public key in the guest root account's
// authorized_keys with restrictive permissions. An existing entry for the
// same key is not duplicated.
func installAuthorizedKey(tree string, pubBytes []byte) error {
	sshDir := filepath.Join(tree, "root", ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return failIO("create guest .ssh directory", err)
	}
	if err := os.Chmod(sshDir, 0o700); err != nil {
		return failIO("restrict guest .ssh directory", err)
	}

	authPath := filepath.Join(sshDir, "authorized_keys")
	existing, err := os.ReadFile(authPath)
	if err != nil && !os.IsNotExist(err) {
		return failIO("read guest authorized_keys", err)
	}

	entry := bytes.TrimSpace(pubBytes)
	if bytes.Contains(existing, entry) {
		logging.Debug("Authorized key already installed")
		return nil
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.Write(entry)
	buf.WriteByte('\n')

	if err := os.WriteFile(authPath, buf.Bytes(), 0o600); err != nil {
		return failIO("write guest authorized_keys", err)
	}
	return os.Chmod(authPath, 0o600)
}
