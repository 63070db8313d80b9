package auth

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator_NoFiles(t *testing.T) {
	validator, err := NewValidator(Options{
		ClientCACert: "/nonexistent/ca.pem",
		TokensFile:   "/nonexistent/tokens",
	})

	require.NoError(t, err)
	assert.False(t, validator.IsClientCALoaded())
	assert.True(t, validator.apiTokens[DevToken])
}

func TestNewValidator_LoadsCAAndTokens(t *testing.T) {
	dir := t.TempDir()
	caPEM, _, err := generateECDSACA()
	require.NoError(t, err)

	caPath := filepath.Join(dir, "ca.pem")
	tokensPath := filepath.Join(dir, "tokens")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))
	require.NoError(t, os.WriteFile(tokensPath, []byte("# ops team\nalpha\n\n  beta  \n"), 0o600))

	validator, err := NewValidator(Options{ClientCACert: caPath, TokensFile: tokensPath})
	require.NoError(t, err)

	assert.True(t, validator.IsClientCALoaded())
	assert.Equal(t, map[string]bool{"alpha": true, "beta": true}, validator.apiTokens)
}

func TestNewValidator_InvalidCA(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caPath, []byte("not a certificate"), 0o600))

	_, err := NewValidator(Options{ClientCACert: caPath})
	assert.Error(t, err)
}

func TestValidateAPIToken(t *testing.T) {
	validator := &Validator{
		apiTokens: map[string]bool{
			"valid-token":   true,
			"another-token": true,
		},
	}

	tests := []struct {
		name       string
		authHeader string
		apiToken   string
		expected   bool
	}{
		{name: "valid bearer token", authHeader: "Bearer valid-token", expected: true},
		{name: "valid X-API-Token", apiToken: "another-token", expected: true},
		{name: "invalid bearer token", authHeader: "Bearer invalid-token", expected: false},
		{name: "empty bearer token", authHeader: "Bearer ", expected: false},
		{name: "basic auth is ignored", authHeader: "Basic dXNlcjpwYXNz", expected: false},
		{name: "invalid X-API-Token", apiToken: "invalid-token", expected: false},
		{name: "empty headers", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(nil)
			c.Request = &http.Request{Header: make(http.Header)}
			if tt.authHeader != "" {
				c.Request.Header.Set("Authorization", tt.authHeader)
			}
			if tt.apiToken != "" {
				c.Request.Header.Set("X-API-Token", tt.apiToken)
			}
			assert.Equal(t, tt.expected, validator.validateAPIToken(c))
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &Validator{apiTokens: map[string]bool{"valid-token": true}}

	router := gin.New()
	router.Use(validator.Middleware())
	router.GET("/api/v1/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/jobs", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/v1/jobs", nil)
	req.TLS = &tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{{}}}}
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
