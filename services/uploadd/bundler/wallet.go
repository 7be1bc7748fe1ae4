package bundler

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bundlegw/ans104"
)

// Wallet signs bundle transactions with the service's posting key.
type Wallet struct {
	priv    *ecdsa.PrivateKey
	owner   []byte
	address string
}

// LoadWallet decrypts the posting key at path with the given passphrase.
func LoadWallet(path, passphrase string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet: %w", err)
	}
	return NewWallet(key.PrivateKey), nil
}

// NewWallet wraps an in-memory posting key.
func NewWallet(priv *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		priv:    priv,
		owner:   ethcrypto.FromECDSAPub(&priv.PublicKey),
		address: ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}

// Address returns the posting wallet's chain address.
func (w *Wallet) Address() string { return w.address }

// ItemSigner returns an envelope signer backed by the same key, used to wrap
// raw uploads.
func (w *Wallet) ItemSigner() (*ans104.EthereumSigner, error) {
	return ans104.NewEthereumSigner(w.priv)
}

// SignReceipt signs the fields of an upload receipt so clients can verify the
// service committed to the deadline. The signature recovers to Address().
func (w *Wallet) SignReceipt(id string, deadlineHeight, timestamp int64) (string, error) {
	digest := sha256.Sum256(fmt.Appendf(nil, "receipt\n%s\n%d\n%d\n", id, deadlineHeight, timestamp))
	sig, err := ethcrypto.Sign(digest[:], w.priv)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// PostedTx is a signed bundle transaction ready for the gateway.
type PostedTx struct {
	ID     string
	Header []byte
}

type txHeader struct {
	Format    int         `json:"format"`
	ID        string      `json:"id"`
	Owner     string      `json:"owner"`
	Tags      []headerTag `json:"tags"`
	DataSize  int64       `json:"data_size"`
	Reward    string      `json:"reward"`
	Signature string      `json:"signature"`
}

type headerTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SignTx builds and signs a bundle transaction header. The transaction id is
// the SHA-256 of the signature, matching the content-id convention.
func (w *Wallet) SignTx(dataSize int64, reward string, tags []ans104.Tag) (*PostedTx, error) {
	digest := sha256.New()
	digest.Write(w.owner)
	fmt.Fprintf(digest, "%d\n%s\n", dataSize, reward)
	for _, tag := range tags {
		fmt.Fprintf(digest, "%s=%s\n", tag.Name, tag.Value)
	}
	var hashed [32]byte
	copy(hashed[:], digest.Sum(nil))

	sig, err := ethcrypto.Sign(hashed[:], w.priv)
	if err != nil {
		return nil, fmt.Errorf("sign bundle tx: %w", err)
	}
	id := sha256.Sum256(sig)

	headerTags := make([]headerTag, 0, len(tags))
	for _, tag := range tags {
		headerTags = append(headerTags, headerTag{Name: tag.Name, Value: tag.Value})
	}
	header := txHeader{
		Format:    2,
		ID:        ans104.EncodeID(id),
		Owner:     base64.RawURLEncoding.EncodeToString(w.owner),
		Tags:      headerTags,
		DataSize:  dataSize,
		Reward:    reward,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode bundle tx header: %w", err)
	}
	return &PostedTx{ID: header.ID, Header: raw}, nil
}
