// Package pki provides optional mutual-TLS hardening for tcp-class ports.
// Dial-up, direct, and stdio ports never go through this package.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// ClientConfig names the material an outbound tcp port needs for mTLS.
type ClientConfig struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	ServerName     string
}

// ServerConfig names the material an inbound tcp port needs for mTLS.
type ServerConfig struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
}

// WrapClient upgrades an established TCP connection to TLS 1.3 with mutual
// authentication, validating the answerer's certificate against cfg's CA.
func WrapClient(conn net.Conn, cfg *ClientConfig) (net.Conn, error) {
	tlsCfg, err := newClientTLSConfig(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tls.Client(conn, tlsCfg), nil
}

// WrapServer upgrades an accepted TCP connection to TLS 1.3, requiring and
// verifying the caller's client certificate.
func WrapServer(conn net.Conn, cfg *ServerConfig) (net.Conn, error) {
	tlsCfg, err := newServerTLSConfig(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tls.Server(conn, tlsCfg), nil
}

func newClientTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	caPool, err := loadCACertPool(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   cfg.ServerName,
	}, nil
}

func newServerTLSConfig(cfg *ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ServerCertPath, cfg.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	caPool, err := loadCACertPool(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}
	return pool, nil
}

// PeerCommonName extracts the verified client certificate's CN, used by the
// Login Dispatcher to cross-check a claimed login against its certificate.
func PeerCommonName(conn net.Conn) (string, bool) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}
