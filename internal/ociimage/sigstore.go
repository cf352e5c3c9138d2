package ociimage

import (
	"errors"

	"github.com/containers/image/v5/signature"

	"github.com/bpfman/bpfman-core/internal/bpferrors"
)

// sigstoreSignedRequirement builds the PolicyRequirement enforcing
// cosign/Sigstore signatures for a pull, per spec.md section 4.2 step 3.
// bpfman's signing model is key-based: the operator distributes the
// cosign public key out of band and points [signing].cosign_key_path at
// it; there is no ambient Fulcio/Rekor trust root to default to.
func (m *Manager) sigstoreSignedRequirement() (signature.PolicyRequirement, error) {
	if m.cfg.Signing.CosignKeyPath == "" {
		return nil, bpferrors.New(bpferrors.ImageSignatureInvalid,
			"signature verification is enabled but no [signing].cosign_key_path is configured", nil)
	}
	return signature.NewPRSigstoreSigned(
		signature.PRSigstoreSignedWithKeyPath(m.cfg.Signing.CosignKeyPath),
		signature.PRSigstoreSignedWithSignedIdentity(signature.NewPRMMatchRepoDigestOrExact()),
	)
}

// isSignatureError reports whether err came from a rejected signature
// rather than a transport/registry failure, so pullFromRegistry can map
// it to bpferrors.ImageSignatureInvalid instead of bpferrors.ImageTransport.
func isSignatureError(err error) bool {
	var reqErr signature.PolicyRequirementError
	return errors.As(err, &reqErr)
}
