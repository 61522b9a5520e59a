package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Manager picks the serving certificate: ACME first, then the configured key pair,
// then a self-signed certificate outside production.
type Manager struct {
	server      config.ServerConfig
	production  bool
	autoCert    *autocert.Manager
	fileCert    *tls.Certificate
	mu          sync.Mutex
	selfSigned  *tls.Certificate
	devCertHost []string
}

func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		server:      cfg.Server,
		production:  cfg.IsProduction(),
		devCertHost: []string{cfg.Server.Domain, "localhost", "127.0.0.1", "::1"},
	}

	if cfg.Server.AutoCert {
		if err := os.MkdirAll(cfg.Server.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.Domain),
			Cache:      autocert.DirCache(cfg.Server.AutoCertDir),
			Email:      cfg.Server.Email,
		}
		util.Info("AutoCert configured",
			util.String("domain", cfg.Server.Domain),
			util.String("cache_dir", cfg.Server.AutoCertDir))
	}

	if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		m.fileCert = &cert
	}

	if m.production && m.autoCert == nil && m.fileCert == nil {
		return nil, errors.New("TLS in production needs AUTO_CERT or a certificate file")
	}
	return m, nil
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		if m.fileCert == nil && m.production {
			return nil, err
		}
		util.Warn("AutoCert failed, falling back", util.String("server_name", hello.ServerName), util.ErrorField(err))
	}
	if m.fileCert != nil {
		return m.fileCert, nil
	}
	return m.devCertificate()
}

// devCertificate generates the self-signed certificate once per process.
func (m *Manager) devCertificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selfSigned != nil {
		return m.selfSigned, nil
	}
	cert, err := NewDevCertGenerator(m.server.AutoCertDir).GenerateCert(m.devCertHost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.selfSigned = &cert
	return m.selfSigned, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	nextProtos := []string{"h2", "http/1.1"}
	if m.autoCert != nil {
		nextProtos = append(nextProtos, "acme-tls/1")
	}
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     nextProtos,
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// HTTPChallengeHandler answers ACME http-01 challenges and redirects everything else
// to HTTPS. Without AutoCert it only redirects.
func (m *Manager) HTTPChallengeHandler() http.Handler {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
	if m.autoCert == nil {
		return redirect
	}
	return m.autoCert.HTTPHandler(redirect)
}
