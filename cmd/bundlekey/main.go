// Command bundlekey manages the upload service's posting key: it generates a
// passphrase-protected keystore file and prints the address of an existing
// one. The passphrase is read from the terminal, never from flags.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "new":
		err = runNew(os.Args[2:])
	case "address":
		err = runAddress(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bundlekey: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  bundlekey new -out <file>      generate a new posting key
  bundlekey address -in <file>   print the address of a keystore file`)
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	out := fs.String("out", "", "destination keystore file")
	fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("-out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", *out)
	}

	passphrase, err := readPassphrase(true)
	if err != nil {
		return err
	}

	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	encrypted, err := keystore.EncryptKey(key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	if err := os.WriteFile(*out, encrypted, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Printf("wrote %s\naddress: %s\n", *out, key.Address.Hex())
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	in := fs.String("in", "", "keystore file to inspect")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read keystore: %w", err)
	}
	passphrase, err := readPassphrase(false)
	if err != nil {
		return err
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return fmt.Errorf("decrypt keystore: %w", err)
	}
	fmt.Println(key.Address.Hex())
	return nil
}

func readPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "repeat passphrase: ")
		second, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(first), nil
}
