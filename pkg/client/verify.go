package client

import (
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/signer"
)

// VerifySignature checks r's signature against the key named by its key id
// in set. The inclusion proof is not checked.
func VerifySignature(r ledger.Receipt, set keyring.JWKSet) signer.VerifyResult {
	res := signer.VerifyResult{KeyID: r.Signature.KeyID}

	var jwk *signer.JWK
	for i := range set.Keys {
		if set.Keys[i].Kid == r.Signature.KeyID {
			jwk = &set.Keys[i]
			break
		}
	}
	if jwk == nil {
		res.Message = fmt.Sprintf("key %q is not published", r.Signature.KeyID)
		return res
	}

	pub, err := signer.PublicKeyFromJWK(*jwk)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	v, err := signer.FromPublicKey(pub, r.IssuedAt)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	payload, err := ledger.SigningPayload(r.Merkle.RootHash, r.Merkle.LeafHash, r.Event)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	return v.Verify(payload, r.Signature)
}
