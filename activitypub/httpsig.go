package activitypub

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	errNoPEM    = errors.New("no PEM block found")
	errNotRSA   = errors.New("key is not RSA")
	errNoSigner = errors.New("signer has no key")
)

// Headers covered by outbound signatures, in signing order. Digest is only
// present when there is a body to hash.
var (
	signedHeaders       = []string{httpsig.RequestTarget, "host", "date", "digest"}
	signedHeadersNoBody = []string{httpsig.RequestTarget, "host", "date"}
)

// Signer signs requests on behalf of one local actor key.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewSigner parses a PKCS#1 private key. keyID is the URI of the actor's
// publicKey object, e.g. https://fed.example/users/alice#main-key.
func NewSigner(privateKeyPem, keyID string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, keyID: keyID}, nil
}

// Sign stamps Host and Date (when absent), sets Digest from body and adds
// the Signature header. body must be exactly what will be sent; nil signs a
// bodiless request such as a GET without a Digest.
func (s *Signer) Sign(req *http.Request, body []byte, now time.Time) error {
	if s == nil || s.key == nil {
		return errNoSigner
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	}

	headers := signedHeaders
	if body == nil {
		headers = signedHeadersNoBody
	}

	// httpsig signers keep per-call state, so one is built per request
	hs, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return hs.SignRequest(s.key, s.keyID, req, body)
}

// VerifyRequest checks the Signature header of req against publicKeyPem
// and returns the actor that owns the key.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}
	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return KeyOwner(verifier.KeyId())
}

// KeyOwner strips the fragment from a keyId to get the actor URI.
func KeyOwner(keyID string) (string, error) {
	u, err := url.Parse(keyID)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid keyId %q", keyID)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func decodePEM(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errNoPEM
	}
	return block.Bytes, nil
}

// ParsePrivateKey decodes a PKCS#1 "RSA PRIVATE KEY" block.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	der, err := decodePEM(pemString)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey decodes a PKIX "PUBLIC KEY" block holding an RSA key.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	der, err := decodePEM(pemString)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSA
	}
	return pub, nil
}
