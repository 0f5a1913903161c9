package keyring

import "github.com/jmerrifield20/auditledger/internal/signer"

// JWKSet is a JSON Web Key Set document.
type JWKSet struct {
	Keys []signer.JWK `json:"keys"`
}

// Publisher exposes the registry's verification keys. It never sees
// private material.
type Publisher struct {
	registry *Registry
}

// NewPublisher returns a Publisher backed by registry.
func NewPublisher(registry *Registry) *Publisher {
	return &Publisher{registry: registry}
}

// KeySet returns every key that currently verifies, active key first.
func (p *Publisher) KeySet() JWKSet {
	signers := p.registry.VerificationSigners()
	set := JWKSet{Keys: make([]signer.JWK, 0, len(signers))}
	for _, s := range signers {
		set.Keys = append(set.Keys, s.PublicKeyJWK())
	}
	return set
}

// KeyByID returns the published key with the given kid.
func (p *Publisher) KeyByID(kid string) (signer.JWK, bool) {
	for _, k := range p.KeySet().Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return signer.JWK{}, false
}
