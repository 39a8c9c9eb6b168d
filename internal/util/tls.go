package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/leonunix/kbsync/internal/config"
)

// NewHTTPClient builds an *http.Client for the OpenSearch-backed stores.
// Without SkipVerify or CACert it returns a plain client with a timeout.
func NewHTTPClient(tc config.TLSConfig) (*http.Client, error) {
	if !tc.SkipVerify && tc.CACert == "" {
		return &http.Client{Timeout: 30 * time.Second}, nil
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: tc.SkipVerify}

	if tc.CACert != "" {
		caCert, err := os.ReadFile(tc.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate %s: %w", tc.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", tc.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}
