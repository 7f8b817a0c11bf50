package engine

import (
	"crypto/tls"
	"fmt"

	"github.com/BaSui01/crtbridge/internal/tlsutil"
)

// TLSConnectionOptions wraps listeners in TLS. The engine speaks HTTP/1.1 only.
type TLSConnectionOptions struct {
	config *tls.Config
}

// NewTLSConnectionOptions clones cfg and pins ALPN to http/1.1.
func NewTLSConnectionOptions(cfg *tls.Config) (*TLSConnectionOptions, error) {
	if cfg == nil || (len(cfg.Certificates) == 0 && cfg.GetCertificate == nil) {
		return nil, fmt.Errorf("%w: tls config needs a certificate", ErrInvalidOptions)
	}
	c := cfg.Clone()
	c.NextProtos = []string{"http/1.1"}
	return &TLSConnectionOptions{config: c}, nil
}

// NewTLSConnectionOptionsFromFiles loads a key pair into the hardened default config.
func NewTLSConnectionOptionsFromFiles(certFile, keyFile string) (*TLSConnectionOptions, error) {
	cfg, err := tlsutil.ServerTLSConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return NewTLSConnectionOptions(cfg)
}

// NewTLSConnectionOptionsFromPEM builds options from PEM blocks.
func NewTLSConnectionOptionsFromPEM(certPEM, keyPEM []byte) (*TLSConnectionOptions, error) {
	cfg, err := tlsutil.ServerTLSConfigFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return NewTLSConnectionOptions(cfg)
}

// Config returns a copy of the server config.
func (o *TLSConnectionOptions) Config() *tls.Config {
	return o.config.Clone()
}
