package ai

import (
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type Kind string

const (
	KindOpenAI      Kind = "openai"
	KindOpenAIAzure Kind = "openai-azure"
)

var ErrNoCredentials = errors.New("ai: no credentials configured")

// Credentials is one of KeyList or AzureEndpoint. The unexported selector
// keeps the set closed: a new shape must implement it to be usable.
type Credentials interface {
	Kind() Kind
	selectOne(intn func(int) int) (Selected, error)
}

// KeyList spreads calls over several keys of the same provider account.
type KeyList struct {
	Keys []string
}

func (KeyList) Kind() Kind { return KindOpenAI }

func (c KeyList) selectOne(intn func(int) int) (Selected, error) {
	keys := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return Selected{}, ErrNoCredentials
	}
	return Selected{Kind: KindOpenAI, APIKey: keys[intn(len(keys))]}, nil
}

// AzureEndpoint is a single fixed deployment.
type AzureEndpoint struct {
	Endpoint string
	Key      string
	Version  string
}

func (AzureEndpoint) Kind() Kind { return KindOpenAIAzure }

func (c AzureEndpoint) selectOne(func(int) int) (Selected, error) {
	if strings.TrimSpace(c.Endpoint) == "" || strings.TrimSpace(c.Key) == "" {
		return Selected{}, ErrNoCredentials
	}
	return Selected{Kind: KindOpenAIAzure, APIKey: c.Key, Endpoint: c.Endpoint, Version: c.Version}, nil
}

// Selected is the concrete credential chosen for one call.
type Selected struct {
	Kind     Kind
	APIKey   string
	Endpoint string
	Version  string
}

// RateKey returns a stable identity for the secret without exposing it.
func (s Selected) RateKey() string {
	return RateKeyFor(s.APIKey)
}

func RateKeyFor(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

// ClientFactory builds a provider client for a selected credential.
type ClientFactory func(Selected) Client

// Pool selects a credential per request. It holds no mutable state.
type Pool struct {
	defaults Credentials
	factory  ClientFactory
	intn     func(int) int
}

func NewPool(defaults Credentials, factory ClientFactory) *Pool {
	if factory == nil {
		factory = NewOpenAIClient
	}
	return &Pool{defaults: defaults, factory: factory, intn: rand.IntN}
}

// Select returns a client for override, or for the pool defaults when
// override is nil.
func (p *Pool) Select(override Credentials) (Client, error) {
	creds := override
	if creds == nil {
		creds = p.defaults
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}
	sel, err := creds.selectOne(p.intn)
	if err != nil {
		return nil, err
	}
	return p.factory(sel), nil
}

// CredentialsFromSettings builds the default credential shape for a provider
// kind as named in configuration.
func CredentialsFromSettings(provider string, keys []string, endpoint, key, version string) (Credentials, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(provider))) {
	case KindOpenAI, "":
		return KeyList{Keys: keys}, nil
	case KindOpenAIAzure:
		return AzureEndpoint{Endpoint: endpoint, Key: key, Version: version}, nil
	default:
		return nil, errors.New("ai: unsupported provider " + provider)
	}
}
