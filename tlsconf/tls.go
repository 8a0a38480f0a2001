// Package tlsconf creates server TLS configurations from PEM certificate and
// key files, optionally decrypting the key with a passphrase read from a file.
package tlsconf

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

// Material names the files holding the TLS credentials.
type Material struct {
	CertFile       string
	KeyFile        string
	PassphraseFile string // optional
	MinVersion     string // "" defaults to TLSv12
}

// Enabled tells whether both certificate and key are given.
func (m Material) Enabled() bool {
	return m.CertFile != "" && m.KeyFile != ""
}

// Translate strings to Go TLS version constants
func versionString2version(str string) (v uint16, err error) {

	switch str {
	case "", "TLSv12":
		v = tls.VersionTLS12
	case "TLSv10":
		v = tls.VersionTLS10
	case "TLSv11":
		v = tls.VersionTLS11
	case "TLSv13":
		v = tls.VersionTLS13
	default:
		err = fmt.Errorf("Unknown TLS version. Not in ( TLSv1[0123] ): %s", str)
	}
	return
}

// GetTLSServerConfig reads the certificate, key and passphrase files and
// returns a server tls.Config. It returns nil if the material is not enabled.
func GetTLSServerConfig(m Material) (tlsConf *tls.Config, err error) {
	if !m.Enabled() {
		return
	}

	minVersion, err := versionString2version(m.MinVersion)
	if err != nil {
		return
	}

	certPEM, err := os.ReadFile(m.CertFile)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read certificate file")
	}
	keyPEM, err := os.ReadFile(m.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read key file")
	}

	var passphrase []byte
	if m.PassphraseFile != "" {
		// The whole file is the passphrase. No trimming.
		passphrase, err = os.ReadFile(m.PassphraseFile)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read passphrase file")
		}
	}

	keyPEM, err = decryptKeyPEM(keyPEM, passphrase)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to decrypt key file %s", m.KeyFile)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.New("Unable to load certificate/key file " + m.CertFile + " / " + m.KeyFile + " " + err.Error())
	}

	tlsConf = &tls.Config{
		MinVersion:   minVersion,
		Certificates: []tls.Certificate{cert},
	}
	return
}

// decryptKeyPEM returns keyPEM with the first private key in plain PKCS#8
// if it was encrypted. Unencrypted keys are returned unchanged.
func decryptKeyPEM(keyPEM, passphrase []byte) ([]byte, error) {

	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			// Let tls.X509KeyPair report what's wrong.
			return keyPEM, nil
		}

		var key interface{}
		var err error
		switch {
		case block.Type == "ENCRYPTED PRIVATE KEY":
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		case block.Headers["Proc-Type"] == "4,ENCRYPTED":
			// legacy OpenSSL encryption
			key, err = ssh.ParseRawPrivateKeyWithPassphrase(pem.EncodeToMemory(block), passphrase)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if k, ok := key.(*ed25519.PrivateKey); ok {
			key = *k
		}

		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}
}
