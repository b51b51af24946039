// Package certs implements the ACME certificate manager (spec §4.2): a
// lookup cascade of in-process map, KV-store cache, and orchestrator
// Secret, falling back to ACME issuance; HTTP-01 challenges served from an
// in-memory table; a DNS-01 wildcard path serialized by a mutex plus an
// in-progress flag; ACME rate-limit cooldown tracking; and a 24h renewal
// timer.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/robfig/cron/v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cuemby/platformcore/internal/kvstore"
	"github.com/cuemby/platformcore/internal/labels"
	"github.com/cuemby/platformcore/internal/utils"
)

// ValidityMargin is the minimum remaining lifetime a certificate must have
// to be considered servable (spec §3, §4.2, §8: strict inequality).
const ValidityMargin = 30 * 24 * time.Hour

// RenewalInterval is how often the background renewal timer scans.
const RenewalInterval = 24 * time.Hour

// Record is a cached certificate: encoded chain/key plus the parsed leaf's validity window.
type Record struct {
	CertPEM  []byte
	KeyPEM   []byte
	NotAfter time.Time
}

// Valid reports whether r satisfies spec.md's validity policy.
func (r Record) Valid() bool {
	if len(r.CertPEM) == 0 || len(r.KeyPEM) == 0 {
		return false
	}
	return time.Now().Before(r.NotAfter.Add(-ValidityMargin))
}

// user implements lego's registration.User.
type user struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *user) GetEmail() string                        { return u.email }
func (u *user) GetRegistration() *registration.Resource { return u.reg }
func (u *user) GetPrivateKey() crypto.PrivateKey         { return u.key }

// HTTP01Provider implements lego's challenge.Provider, storing
// key-authorizations in memory for the plaintext listener to serve.
type HTTP01Provider struct {
	mu         sync.RWMutex
	challenges map[string]map[string]string // domain -> token -> keyAuth
}

// NewHTTP01Provider returns an empty challenge table.
func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{challenges: make(map[string]map[string]string)}
}

// Present stores the key authorization for the given domain/token.
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth
	return nil
}

// CleanUp removes the key authorization once ACME has verified it.
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.challenges[domain]; ok {
		delete(m, token)
		if len(m) == 0 {
			delete(p.challenges, domain)
		}
	}
	return nil
}

// GetKeyAuth retrieves a stored key authorization for the plaintext listener.
func (p *HTTP01Provider) GetKeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keyAuth, ok := p.challenges[domain][token]
	return keyAuth, ok
}

// rateLimitPattern matches the ACME "rate limited" problem type URN.
var rateLimitPattern = regexp.MustCompile(`urn:ietf:params:acme:error:rateLimited`)

// retryAfterPattern extracts an RFC3339 timestamp from a "retry after
// <timestamp>" hint embedded in an ACME error message.
var retryAfterPattern = regexp.MustCompile(`retry after (\S+)`)

// Manager is the ACME certificate manager.
type Manager struct {
	log   utils.Logger
	kv    *kvstore.Store
	k8s   client.Client
	email string

	client            *lego.Client
	user              *user
	http01            *HTTP01Provider
	dnsClient         *lego.Client // separate account client used only for DNS-01 wildcard issuance
	wildcardBase      string
	wildcardEnabled   bool

	mu       sync.RWMutex
	memory   map[string]Record // domain -> record; wildcard stored under wildcardBase
	wildcardMu         sync.Mutex
	wildcardInProgress bool
}

// Config configures ACME account registration and wildcard issuance.
type Config struct {
	Email             string
	ACMEServerURL     string
	WildcardDomain    string
	CloudflareAPIToken string
	EnableWildcard    bool
}

// New registers an ACME account and returns a Manager ready to issue certificates.
func New(ctx context.Context, log utils.Logger, kv *kvstore.Store, k8s client.Client, cfg Config) (*Manager, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ACME account key: %w", err)
	}
	u := &user{email: cfg.Email, key: privateKey}

	legoCfg := lego.NewConfig(u)
	if cfg.ACMEServerURL != "" {
		legoCfg.CADirURL = cfg.ACMEServerURL
	}
	legoCfg.Certificate.KeyType = certcrypto.RSA2048

	legoClient, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("building ACME client: %w", err)
	}

	http01 := NewHTTP01Provider()
	if err := legoClient.Challenge.SetHTTP01Provider(http01); err != nil {
		return nil, fmt.Errorf("registering HTTP-01 provider: %w", err)
	}

	reg, err := legoClient.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("registering ACME account: %w", err)
	}
	u.reg = reg

	m := &Manager{
		log:             log,
		kv:              kv,
		k8s:             k8s,
		email:           cfg.Email,
		client:          legoClient,
		user:            u,
		http01:          http01,
		wildcardBase:    cfg.WildcardDomain,
		wildcardEnabled: cfg.EnableWildcard && cfg.WildcardDomain != "" && cfg.CloudflareAPIToken != "",
		memory:          make(map[string]Record),
	}

	if m.wildcardEnabled {
		// A separate lego client is built for DNS-01 issuance; it shares the
		// account user registered through the HTTP-01 client above.
		dnsLegoCfg := lego.NewConfig(u)
		if cfg.ACMEServerURL != "" {
			dnsLegoCfg.CADirURL = cfg.ACMEServerURL
		}
		dnsLegoCfg.Certificate.KeyType = certcrypto.RSA2048
		dnsClient, err := lego.NewClient(dnsLegoCfg)
		if err != nil {
			return nil, fmt.Errorf("building DNS-01 ACME client: %w", err)
		}
		m.dnsClient = dnsClient
	}

	return m, nil
}

// HTTP01 exposes the challenge provider for the plaintext listener.
func (m *Manager) HTTP01() *HTTP01Provider { return m.http01 }

// classify returns (isWildcardCandidate, lookupKey) for an SNI value per
// spec.md's domain classification rule.
func (m *Manager) classify(domain string) (bool, string) {
	if !m.wildcardEnabled {
		return false, domain
	}
	if domain == m.wildcardBase || strings.HasSuffix(domain, "."+m.wildcardBase) {
		return true, m.wildcardBase
	}
	return false, domain
}

// Resolve returns a valid certificate Record for the given SNI domain,
// walking the storage cascade and issuing via ACME on a full miss.
func (m *Manager) Resolve(ctx context.Context, domain string) (Record, error) {
	isWildcard, key := m.classify(domain)

	if rec, ok := m.fromMemory(key); ok {
		return rec, nil
	}

	if rec, ok, err := m.fromKV(ctx, key); err != nil {
		m.log.Error(err, "reading certificate from kv cache", "domain", key)
	} else if ok {
		m.storeMemory(key, rec)
		return rec, nil
	}

	if rec, ok, err := m.fromSecret(ctx, key, isWildcard); err != nil {
		m.log.Error(err, "reading certificate secret", "domain", key)
	} else if ok {
		m.storeMemory(key, rec)
		_ = m.kv.PutCertificate(ctx, key, rec.CertPEM, rec.KeyPEM)
		return rec, nil
	}

	if limited, err := m.kv.RateLimited(ctx, key); err == nil && limited {
		return Record{}, fmt.Errorf("certificate issuance for %s is rate-limited", key)
	}

	var rec Record
	var err error
	if isWildcard {
		rec, err = m.issueWildcard(ctx)
		if errors.Is(err, errWildcardInProgress) {
			// Another handshake already owns the wildcard issuance slot; serve
			// this SNI with its own per-domain certificate instead of failing
			// the handshake (spec §4.2, §9).
			rec, err = m.issueSingle(ctx, domain)
			if err != nil {
				return Record{}, err
			}
			if err := m.write(ctx, domain, false, rec); err != nil {
				m.log.Error(err, "persisting issued certificate", "domain", domain)
			}
			return rec, nil
		}
	} else {
		rec, err = m.issueSingle(ctx, key)
	}
	if err != nil {
		return Record{}, err
	}

	if err := m.write(ctx, key, isWildcard, rec); err != nil {
		m.log.Error(err, "persisting issued certificate", "domain", key)
	}
	return rec, nil
}

// errWildcardInProgress signals that another handshake already holds the
// wildcard issuance slot.
var errWildcardInProgress = errors.New("wildcard issuance already in progress")

func (m *Manager) fromMemory(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.memory[key]
	if !ok || !rec.Valid() {
		return Record{}, false
	}
	return rec, true
}

func (m *Manager) storeMemory(key string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory[key] = rec
}

func (m *Manager) fromKV(ctx context.Context, key string) (Record, bool, error) {
	certPEM, keyPEM, ok, err := m.kv.GetCertificate(ctx, key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	rec, err := recordFromPEM(certPEM, keyPEM)
	if err != nil || !rec.Valid() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func secretName(key string, isWildcard bool) string {
	if isWildcard {
		return labels.WildcardCertSecretName(key)
	}
	return labels.CertSecretName(key)
}

func (m *Manager) fromSecret(ctx context.Context, key string, isWildcard bool) (Record, bool, error) {
	secret := &corev1.Secret{}
	name := secretName(key, isWildcard)
	err := m.k8s.Get(ctx, types.NamespacedName{Namespace: labels.CertSecretNamespace, Name: name}, secret)
	if err != nil {
		return Record{}, false, utils.IgnoreNotFound(err)
	}
	rec, err := recordFromPEM(secret.Data["cert.pem"], secret.Data["key.pem"])
	if err != nil || !rec.Valid() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// write propagates an issued/renewed certificate through the cascade in
// reverse order: Secret (authoritative) first, then KV cache, then memory.
func (m *Manager) write(ctx context.Context, key string, isWildcard bool, rec Record) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName(key, isWildcard),
			Namespace: labels.CertSecretNamespace,
			Labels:    map[string]string{labels.Type: labels.CertSecretType},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			"cert.pem": rec.CertPEM,
			"key.pem":  rec.KeyPEM,
		},
	}
	if err := utils.CreateOrUpdate(ctx, m.k8s, secret); err != nil {
		return fmt.Errorf("writing certificate secret: %w", err)
	}
	if err := m.kv.PutCertificate(ctx, key, rec.CertPEM, rec.KeyPEM); err != nil {
		return fmt.Errorf("caching certificate in kv store: %w", err)
	}
	m.storeMemory(key, rec)
	return nil
}

func (m *Manager) issueSingle(ctx context.Context, domain string) (Record, error) {
	req := certificate.ObtainRequest{Domains: []string{domain}, Bundle: true}
	res, err := m.client.Certificate.Obtain(req)
	if err != nil {
		m.handleIssuanceError(ctx, domain, err)
		return Record{}, fmt.Errorf("obtaining certificate for %s: %w", domain, err)
	}
	return recordFromPEM(res.Certificate, res.PrivateKey)
}

// issueWildcard serializes DNS-01 wildcard acquisition behind a mutex plus
// an in-progress flag: a concurrent caller observes the flag and returns
// errWildcardInProgress so Resolve can fall back to per-domain issuance for
// its SNI instead of waiting indefinitely (spec §4.2, §5, §9).
func (m *Manager) issueWildcard(ctx context.Context) (Record, error) {
	m.wildcardMu.Lock()
	if m.wildcardInProgress {
		m.wildcardMu.Unlock()
		return Record{}, errWildcardInProgress
	}
	m.wildcardInProgress = true
	m.wildcardMu.Unlock()

	defer func() {
		m.wildcardMu.Lock()
		m.wildcardInProgress = false
		m.wildcardMu.Unlock()
	}()

	domains := []string{"*." + m.wildcardBase, m.wildcardBase}
	req := certificate.ObtainRequest{Domains: domains, Bundle: true}
	res, err := m.dnsClient.Certificate.Obtain(req)
	if err != nil {
		m.handleIssuanceError(ctx, m.wildcardBase, err)
		return Record{}, fmt.Errorf("obtaining wildcard certificate for %s: %w", m.wildcardBase, err)
	}
	return recordFromPEM(res.Certificate, res.PrivateKey)
}

// handleIssuanceError records a rate-limit cooldown if the ACME error
// indicates one, per spec §4.2's "well-known error URN" detection.
func (m *Manager) handleIssuanceError(ctx context.Context, domain string, err error) {
	if !rateLimitPattern.MatchString(err.Error()) {
		return
	}
	until := time.Now().Add(kvstore.DefaultRateLimitCooldown())
	if match := retryAfterPattern.FindStringSubmatch(err.Error()); len(match) == 2 {
		if t, parseErr := time.Parse(time.RFC3339, match[1]); parseErr == nil {
			until = t
		}
	}
	if kvErr := m.kv.SetRateLimitCooldown(ctx, domain, until); kvErr != nil {
		m.log.Error(kvErr, "recording rate-limit cooldown", "domain", domain)
	}
}

func recordFromPEM(certPEM, keyPEM []byte) (Record, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return Record{}, fmt.Errorf("decoding certificate PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Record{}, fmt.Errorf("parsing certificate: %w", err)
	}
	return Record{CertPEM: certPEM, KeyPEM: keyPEM, NotAfter: leaf.NotAfter}, nil
}

// RenewalScan implements the 24h renewal timer (spec §4.2): per-domain
// records not covered by the wildcard are renewed individually when
// near-expiring; the wildcard record is checked the same way.
func (m *Manager) RenewalScan(ctx context.Context) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.memory))
	for k := range m.memory {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	for _, domain := range keys {
		if covered, _ := m.classify(domain); covered {
			continue // the wildcard record, covering this domain, is handled below
		}
		m.renewIfNeeded(ctx, domain, false)
	}
	if m.wildcardEnabled {
		m.renewIfNeeded(ctx, m.wildcardBase, true)
	}
}

func (m *Manager) renewIfNeeded(ctx context.Context, key string, isWildcard bool) {
	rec, ok := m.fromMemory(key)
	if ok && rec.Valid() {
		return
	}

	var (
		newRec Record
		err    error
	)
	if isWildcard {
		newRec, err = m.issueWildcard(ctx)
	} else {
		newRec, err = m.issueSingle(ctx, key)
	}
	if err != nil {
		m.log.Error(err, "renewing certificate", "domain", key)
		return
	}
	if err := m.write(ctx, key, isWildcard, newRec); err != nil {
		m.log.Error(err, "persisting renewed certificate", "domain", key)
	}
}

// StartRenewalJob runs RenewalScan on a cron schedule of RenewalInterval
// until ctx is cancelled.
func (m *Manager) StartRenewalJob(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", RenewalInterval), func() { m.RenewalScan(ctx) }); err != nil {
		m.log.Error(err, "scheduling certificate renewal job")
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}
