// Package auth authenticates API callers by bearer token or client certificate.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/sirupsen/logrus"
)

// DevToken is accepted when no token file exists
const DevToken = "dev-token-12345"

// Options locates the credential files
type Options struct {
	ClientCACert string
	TokensFile   string
}

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool            // Whether client CA certificates were loaded
	apiTokens      map[string]bool // Simple token validation
}

// NewValidator creates a new authentication validator
func NewValidator(opts Options) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
		apiTokens: make(map[string]bool),
	}

	if err := validator.loadClientCAs(opts.ClientCACert); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	if err := validator.loadAPITokens(opts.TokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	return validator, nil
}

// loadClientCAs loads client certificate authorities; a missing file disables certificate auth
func (v *Validator) loadClientCAs(caCertPath string) error {
	if caCertPath == "" {
		return nil
	}
	caCert, err := os.ReadFile(caCertPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert %s", caCertPath)
	}

	v.clientCALoaded = true
	return nil
}

// loadAPITokens reads one token per line; blank lines and # comments are ignored
func (v *Validator) loadAPITokens(tokenFile string) error {
	content, err := os.ReadFile(tokenFile)
	if tokenFile == "" || errors.Is(err, os.ErrNotExist) {
		logrus.Warn("No API token file found, accepting the development token")
		v.apiTokens[DevToken] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" && !strings.HasPrefix(token, "#") {
			v.apiTokens[token] = true
		}
	}

	return nil
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.validateAPIToken(c) {
			c.Next()
			return
		}

		// The TLS handshake has already verified the chain against the client CAs
		if tlsState := c.Request.TLS; tlsState != nil && len(tlsState.VerifiedChains) > 0 {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(401, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    401,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && token != "" {
		return v.apiTokens[token]
	}

	if token := c.GetHeader("X-API-Token"); token != "" {
		return v.apiTokens[token]
	}

	return false
}

// TLSConfig builds the server TLS configuration. Client certificates are
// verified when offered and a CA is loaded; tokens remain an alternative.
func (v *Validator) TLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if v.clientCALoaded {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		cfg.ClientCAs = v.clientCAs
	}
	return cfg, nil
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}
