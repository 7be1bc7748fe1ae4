package ans104

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// rsaPublicExponent is the fixed exponent for chain-native RSA keys.
const rsaPublicExponent = 65537

// cosmosAddressPrefix is the bech32 human-readable part for cosmos signers.
const cosmosAddressPrefix = "cosmos"

// VerifySignature checks sig over digest for the scheme's owner key.
func VerifySignature(scheme SignatureScheme, owner []byte, digest [32]byte, sig []byte) error {
	switch scheme {
	case SchemeArweave:
		return verifyArweave(owner, digest, sig)
	case SchemeEd25519, SchemeAptos, SchemeSui:
		if !ed25519.Verify(ed25519.PublicKey(owner), digest[:], sig) {
			return fmt.Errorf("%s signature mismatch", scheme.Name())
		}
		return nil
	case SchemeCosmos:
		hashed := sha256.Sum256(digest[:])
		if !ethcrypto.VerifySignature(owner, hashed[:], sig) {
			return fmt.Errorf("cosmos signature mismatch")
		}
		return nil
	case SchemeEthereum:
		return verifySecpRecoverable(owner, digest[:], sig)
	case SchemeEthereumPersonal:
		return verifySecpRecoverable(owner, personalHash(digest), sig)
	case SchemeEthereumTyped:
		hashed, err := typedDataHash(digest)
		if err != nil {
			return err
		}
		return verifySecpRecoverable(owner, hashed, sig)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
}

// OwnerAddress derives the scheme-native address string for the owner key.
func OwnerAddress(scheme SignatureScheme, owner []byte) (string, error) {
	switch scheme {
	case SchemeArweave:
		sum := sha256.Sum256(owner)
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case SchemeEd25519:
		return base58.Encode(owner), nil
	case SchemeAptos:
		sum := sha3.Sum256(append(append([]byte(nil), owner...), 0x00))
		return "0x" + hex.EncodeToString(sum[:]), nil
	case SchemeSui:
		sum := blake2b.Sum256(append([]byte{0x00}, owner...))
		return "0x" + hex.EncodeToString(sum[:]), nil
	case SchemeCosmos:
		shaSum := sha256.Sum256(owner)
		ripe := ripemd160.New()
		ripe.Write(shaSum[:])
		conv, err := bech32.ConvertBits(ripe.Sum(nil), 8, 5, true)
		if err != nil {
			return "", fmt.Errorf("convert cosmos address bits: %w", err)
		}
		encoded, err := bech32.Encode(cosmosAddressPrefix, conv)
		if err != nil {
			return "", fmt.Errorf("encode cosmos address: %w", err)
		}
		return encoded, nil
	case SchemeEthereum, SchemeEthereumPersonal, SchemeEthereumTyped:
		pub, err := ethcrypto.UnmarshalPubkey(owner)
		if err != nil {
			return "", fmt.Errorf("decode secp256k1 owner: %w", err)
		}
		return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedScheme, uint16(scheme))
	}
}

// VerifyItem validates the envelope signature and returns the signer address.
func VerifyItem(it *Item) (string, error) {
	digest, err := SigningDigestOf(it)
	if err != nil {
		return "", err
	}
	if err := VerifySignature(it.Scheme, it.Owner, digest, it.Signature); err != nil {
		return "", err
	}
	return OwnerAddress(it.Scheme, it.Owner)
}

func verifyArweave(owner []byte, digest [32]byte, sig []byte) error {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: rsaPublicExponent}
	if pub.N.BitLen() > 4096 {
		return fmt.Errorf("arweave key exceeds 4096 bits")
	}
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
		return fmt.Errorf("arweave signature mismatch: %w", err)
	}
	return nil
}

// verifySecpRecoverable recovers the public key from a 65-byte [R||S||V]
// signature and requires it to match the declared owner key.
func verifySecpRecoverable(owner, hashed, sig []byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("secp256k1 signature must be 65 bytes")
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	recovered, err := ethcrypto.Ecrecover(hashed, normalized)
	if err != nil {
		return fmt.Errorf("recover secp256k1 signer: %w", err)
	}
	if !bytes.Equal(recovered, owner) {
		return fmt.Errorf("secp256k1 signer does not match owner key")
	}
	return nil
}

func personalHash(digest [32]byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))
	return ethcrypto.Keccak256([]byte(prefix), digest[:])
}

// typedDataHash wraps the signing digest in the EIP-712 envelope browsers
// produce when asked to sign an upload.
func typedDataHash(digest [32]byte) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Validation": []apitypes.Type{
				{Name: "hash", Type: "bytes32"},
			},
		},
		PrimaryType: "Validation",
		Domain: apitypes.TypedDataDomain{
			Name:    "Bundle Gateway",
			Version: "1",
		},
		Message: apitypes.TypedDataMessage{
			"hash": digest[:],
		},
	}
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash typed-data domain: %w", err)
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hash typed-data message: %w", err)
	}
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash), nil
}
