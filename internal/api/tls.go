package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// Certificates expiring sooner than this are regenerated (self-signed) or rejected (operator supplied)
const certRenewWindow = 30 * 24 * time.Hour

// apiTLSConfig returns nil when api_tls is off. Operator supplied certificate files take
// precedence; otherwise a self-signed ECDSA P-256 pair is kept in the data dir.
func apiTLSConfig(cm *utils.ConfigManager, logger *utils.LogsManager) (*tls.Config, error) {
	if !cm.GetConfigBool("api_tls", false) {
		return nil, nil
	}

	certFile := cm.GetConfigWithDefault("api_tls_cert_file", "")
	keyFile := cm.GetConfigWithDefault("api_tls_key_file", "")

	var (
		cert tls.Certificate
		err  error
	)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("api_tls_cert_file and api_tls_key_file must be set together")
		}
		cert, err = loadCertificate(certFile, keyFile, time.Now())
		if err != nil {
			return nil, err
		}
		logger.Info(fmt.Sprintf("Loaded API certificate from %s", certFile), "api")
	} else {
		cert, err = loadOrGenerateSelfSigned(utils.DataPath(cm, "api-cert.pem"), utils.DataPath(cm, "api-key.pem"), logger)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generateSelfSigned(now time.Time) ([]byte, *ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"settlement-node"},
			CommonName:   "settlement-node API",
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %v", err)
	}
	return certDER, privateKey, nil
}

func writeCertificatePEM(certDER []byte, privateKey *ecdsa.PrivateKey, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %v", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key file: %v", err)
	}
	return nil
}

// loadCertificate rejects expired certificates and ones inside the renew window
func loadCertificate(certPath, keyPath string, now time.Time) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %v", err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %v", err)
	}
	if now.After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expired on %v", leaf.NotAfter)
	}
	if now.Add(certRenewWindow).After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expiring soon (expires %v)", leaf.NotAfter)
	}

	pair.Leaf = leaf
	return pair, nil
}

func loadOrGenerateSelfSigned(certPath, keyPath string, logger *utils.LogsManager) (tls.Certificate, error) {
	cert, err := loadCertificate(certPath, keyPath, time.Now())
	if err == nil {
		return cert, nil
	}
	logger.Info(fmt.Sprintf("Generating self-signed API certificate (reason: %v)", err), "api")

	certDER, privateKey, err := generateSelfSigned(time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writeCertificatePEM(certDER, privateKey, certPath, keyPath); err != nil {
		return tls.Certificate{}, err
	}
	return loadCertificate(certPath, keyPath, time.Now())
}
