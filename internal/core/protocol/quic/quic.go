// Package quic provides the QUIC transport: one QUIC connection per session and
// one bidirectional QUIC stream per channel. Each stream starts with the
// 16-byte channel id, followed by length-framed messages.
package quic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/worldsync/internal/core/protocol"
)

// Package constants
const (
	// DefaultMaxStreams is the default maximum number of concurrent channels per session
	DefaultMaxStreams = 256

	// DefaultIdleTimeout is the default connection idle timeout
	DefaultIdleTimeout = 30 * time.Second

	// DefaultKeepAlive is the default keep-alive interval
	DefaultKeepAlive = 15 * time.Second

	// NextProto is the ALPN protocol both peers must agree on.
	NextProto = "worldsync-quic"
)

// Config holds QUIC-specific configuration
type Config struct {
	protocol.Options

	MaxStreams           int64
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration

	// TLSConfig is required for listening. Dialers fall back to an insecure
	// development config when nil.
	TLSConfig *tls.Config
}

// DefaultConfig returns default QUIC configuration
func DefaultConfig() Config {
	return Config{
		Options:              protocol.DefaultOptions(),
		MaxStreams:           DefaultMaxStreams,
		MaxIdleTimeout:       DefaultIdleTimeout,
		KeepAlivePeriod:      DefaultKeepAlive,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    c.MaxStreams,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        c.MaxIdleTimeout,
		KeepAlivePeriod:       c.KeepAlivePeriod,
		HandshakeIdleTimeout:  c.HandshakeIdleTimeout,
	}
}

// GenerateSelfSignedTLS generates a self-signed TLS certificate for development
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"worldsync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{NextProto},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// LoadTLS loads a certificate pair for listening.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// InsecureClientTLS accepts any server certificate. For development only.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13,
	}
}
