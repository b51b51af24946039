package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestRecordValidRejectsExpiredAndNearExpiry(t *testing.T) {
	farFuture := Record{CertPEM: []byte("x"), KeyPEM: []byte("y"), NotAfter: time.Now().Add(60 * 24 * time.Hour)}
	assert.True(t, farFuture.Valid())

	nearExpiry := Record{CertPEM: []byte("x"), KeyPEM: []byte("y"), NotAfter: time.Now().Add(ValidityMargin - time.Hour)}
	assert.False(t, nearExpiry.Valid(), "a certificate within the validity margin of expiry must not be considered valid")

	alreadyExpired := Record{CertPEM: []byte("x"), KeyPEM: []byte("y"), NotAfter: time.Now().Add(-time.Hour)}
	assert.False(t, alreadyExpired.Valid())
}

func TestRecordValidRequiresBothPEMBlocks(t *testing.T) {
	assert.False(t, Record{KeyPEM: []byte("y"), NotAfter: time.Now().Add(90 * 24 * time.Hour)}.Valid())
	assert.False(t, Record{CertPEM: []byte("x"), NotAfter: time.Now().Add(90 * 24 * time.Hour)}.Valid())
}

func TestClassifyRoutesSubdomainsAndBaseToWildcard(t *testing.T) {
	m := &Manager{wildcardEnabled: true, wildcardBase: "apps.example.com"}

	isWildcard, key := m.classify("foo.apps.example.com")
	assert.True(t, isWildcard)
	assert.Equal(t, "apps.example.com", key)

	isWildcard, key = m.classify("apps.example.com")
	assert.True(t, isWildcard)
	assert.Equal(t, "apps.example.com", key)

	isWildcard, key = m.classify("other.com")
	assert.False(t, isWildcard)
	assert.Equal(t, "other.com", key)
}

func TestClassifyDisabledAlwaysReturnsDomainAsKey(t *testing.T) {
	m := &Manager{wildcardEnabled: false, wildcardBase: "apps.example.com"}
	isWildcard, key := m.classify("foo.apps.example.com")
	assert.False(t, isWildcard)
	assert.Equal(t, "foo.apps.example.com", key)
}

func TestHTTP01ProviderPresentAndCleanUp(t *testing.T) {
	p := NewHTTP01Provider()
	require.NoError(t, p.Present("example.com", "tok1", "keyauth1"))

	got, ok := p.GetKeyAuth("example.com", "tok1")
	assert.True(t, ok)
	assert.Equal(t, "keyauth1", got)

	require.NoError(t, p.CleanUp("example.com", "tok1", "keyauth1"))
	_, ok = p.GetKeyAuth("example.com", "tok1")
	assert.False(t, ok)
}

func TestRecordFromPEMParsesNotAfter(t *testing.T) {
	notAfter := time.Now().Add(365 * 24 * time.Hour).Truncate(time.Second)
	certPEM := selfSignedPEM(t, notAfter)

	rec, err := recordFromPEM(certPEM, []byte("key-material"))
	require.NoError(t, err)
	assert.WithinDuration(t, notAfter, rec.NotAfter, time.Second)
	assert.Equal(t, certPEM, rec.CertPEM)
}

func TestRecordFromPEMRejectsGarbage(t *testing.T) {
	_, err := recordFromPEM([]byte("not pem"), []byte("key"))
	assert.Error(t, err)
}

func TestRateLimitPatternMatchesACMEProblemURN(t *testing.T) {
	assert.True(t, rateLimitPattern.MatchString("acme: error: 429 :: urn:ietf:params:acme:error:rateLimited :: too many requests"))
	assert.False(t, rateLimitPattern.MatchString("acme: error: 400 :: urn:ietf:params:acme:error:malformed"))
}

func TestRetryAfterPatternExtractsTimestamp(t *testing.T) {
	match := retryAfterPattern.FindStringSubmatch("rate limited, retry after 2026-08-02T00:00:00Z please")
	require.Len(t, match, 2)
	assert.Equal(t, "2026-08-02T00:00:00Z", match[1])
}
