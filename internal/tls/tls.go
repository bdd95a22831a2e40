// Package tls builds the API server's *tls.Config from settings, generating
// a self-signed pair on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/nodekeeper/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

func parseVersion(ver string) (uint16, error) {
	switch ver {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Paths returns the certificate and key files cfg points at. Explicit files
// win over Dir.
func Paths(cfg config.TLSConfig) (cert, key string) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return cfg.CertFile, cfg.KeyFile
	}
	return filepath.Join(cfg.Dir, certName), filepath.Join(cfg.Dir, keyName)
}

// Setup returns nil when TLS is disabled. Certificates are reloaded on each
// handshake so a renewed pair is picked up without a restart.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := Paths(cfg)
	if !exists(certPath) || !exists(keyPath) {
		if !cfg.AutoGenerate {
			return nil, errors.New("TLS enabled but certificate files are missing")
		}
		days := cfg.ValidDays
		if days <= 0 {
			days = 365
		}
		err := GenerateSelfSigned(CertConfig{
			CommonName: "nodekeeper",
			DNSNames:   cfg.DNSNames,
			NotAfter:   time.Now().AddDate(0, 0, days),
			CertPath:   certPath,
			KeyPath:    keyPath,
		})
		if err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// Fail fast on an unreadable pair instead of on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
	}, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
