// Package sigverify implements the ed25519 detached-signature check over
// a package's tree hash, against the stdlib ed25519.PublicKey/
// PrivateKey types directly, since the host itself — not a sandboxed
// script — is the verifier.
package sigverify

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/ids"
	"github.com/yukmakoto/nBot/internal/pkgstore"
)

// Verifier checks manifest signatures against a single trusted publisher
// key, with an optional development escape hatch for unsigned installs.
type Verifier struct {
	publicKey     ed25519.PublicKey
	allowUnsigned bool
}

// New constructs a Verifier. publicKeyB64 may be empty, in which case
// every non-builtin, non-dev-mode install is refused.
func New(publicKeyB64 string, allowUnsigned bool) (*Verifier, error) {
	v := &Verifier{allowUnsigned: allowUnsigned}
	if publicKeyB64 == "" {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidSignature, err, "decode publisher key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, hosterr.New(hosterr.InvalidSignature, "publisher key has wrong length")
	}
	v.publicKey = ed25519.PublicKey(raw)
	return v, nil
}

// Verify checks manifest.Signature against the tree hash of files
// (files must already exclude manifest.json). Builtin manifests are
// structurally trusted and skip verification; everything else must
// either carry a valid signature or, if allowUnsigned is set, fall
// through with a caller-visible "accepted unsigned" signal.
func (v *Verifier) Verify(m pkgstore.Manifest, files []ids.File) (accepted bool, unsignedOverride bool, err error) {
	if m.Builtin {
		return true, false, nil
	}

	hash := ids.TreeHash(files)

	if m.Signature == "" {
		if v.allowUnsigned {
			return true, true, nil
		}
		return false, false, hosterr.New(hosterr.MissingSignature, "package has no signature")
	}

	sig, decodeErr := base64.StdEncoding.DecodeString(m.Signature)
	if decodeErr != nil {
		return false, false, hosterr.Wrap(hosterr.InvalidSignature, decodeErr, "decode signature")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, false, hosterr.New(hosterr.InvalidSignature, "signature has wrong length")
	}

	if v.publicKey == nil {
		if v.allowUnsigned {
			return true, true, nil
		}
		return false, false, hosterr.New(hosterr.MissingSignature, "no publisher key configured")
	}

	if !ed25519.Verify(v.publicKey, hash[:], sig) {
		return false, false, hosterr.New(hosterr.BadSignature, "signature does not match publisher key")
	}
	return true, false, nil
}

// Sign is a test/dev-tooling helper producing a base64 detached
// signature over a package's tree hash, mirroring how a real publisher
// would sign a release before setting manifest.signature.
func Sign(priv ed25519.PrivateKey, files []ids.File) string {
	hash := ids.TreeHash(files)
	sig := ed25519.Sign(priv, hash[:])
	return base64.StdEncoding.EncodeToString(sig)
}
