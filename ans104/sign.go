package ans104

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ItemSigner produces envelopes signed with a locally held key. The service
// uses one to wrap raw blobs and to sign receipts and nested bundles.
type ItemSigner interface {
	Scheme() SignatureScheme
	OwnerKey() []byte
	SignItem(target, anchor []byte, tags []Tag, payload []byte) (*Item, error)
}

// Ed25519Signer signs envelopes under the ed25519 scheme.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps a 64-byte ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) Scheme() SignatureScheme { return SchemeEd25519 }

func (s *Ed25519Signer) OwnerKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) SignItem(target, anchor []byte, tags []Tag, payload []byte) (*Item, error) {
	digest, err := SigningDigest(SchemeEd25519, s.OwnerKey(), target, anchor, tags, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.priv, digest[:])
	raw, err := Encode(SchemeEd25519, sig, s.OwnerKey(), target, anchor, tags, payload)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// EthereumSigner signs envelopes under the raw secp256k1 scheme.
type EthereumSigner struct {
	priv  *ecdsa.PrivateKey
	owner []byte
}

// NewEthereumSigner wraps a secp256k1 private key.
func NewEthereumSigner(priv *ecdsa.PrivateKey) (*EthereumSigner, error) {
	if priv == nil {
		return nil, fmt.Errorf("secp256k1 private key required")
	}
	return &EthereumSigner{priv: priv, owner: ethcrypto.FromECDSAPub(&priv.PublicKey)}, nil
}

func (s *EthereumSigner) Scheme() SignatureScheme { return SchemeEthereum }

func (s *EthereumSigner) OwnerKey() []byte { return s.owner }

// Address returns the checksummed address of the signing key.
func (s *EthereumSigner) Address() string {
	return ethcrypto.PubkeyToAddress(s.priv.PublicKey).Hex()
}

func (s *EthereumSigner) SignItem(target, anchor []byte, tags []Tag, payload []byte) (*Item, error) {
	digest, err := SigningDigest(SchemeEthereum, s.owner, target, anchor, tags, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest[:], s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	raw, err := Encode(SchemeEthereum, sig, s.owner, target, anchor, tags, payload)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}
