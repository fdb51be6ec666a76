// Package config loads the static node directory and local private key a
// node needs to start, from TOML files, following the same
// BurntSushi/toml decode-into-struct shape the project has historically
// used for its group configuration file.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/blake2b"

	"github.com/quorumcast/arb/internal/directory"
	"github.com/quorumcast/arb/internal/sign"
	"github.com/quorumcast/arb/util"
)

// Fingerprint renders a short, human-comparable hash of a public key for log
// lines and operator sanity checks — short enough to eyeball across two
// terminals, long enough that a mismatch is vanishingly unlikely to be
// coincidental.
func Fingerprint(pub []byte) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:6])
}

// DirectoryTOML is the on-disk shape of the node directory file: the local
// node's id plus every participant in deterministic configuration order.
type DirectoryTOML struct {
	MyID  uint16     `toml:"my_id"`
	Nodes []NodeTOML `toml:"nodes"`
}

// NodeTOML is one participant's entry in DirectoryTOML.
type NodeTOML struct {
	ID        uint16 `toml:"id"`
	Address   string `toml:"address"`
	PublicKey string `toml:"public_key"` // hex-encoded 32-byte Ed25519 public key
}

// ParseDirectoryBytes decodes a directory file's bytes into a
// *directory.Directory, merging in any extraNodes (e.g. peers a CLI flag
// appended on top of the file) before building it.
func ParseDirectoryBytes(b []byte, extraNodes ...directory.Node) (*directory.Directory, error) {
	if len(b) == 0 {
		return nil, errors.New("config: directory file was empty")
	}

	var t DirectoryTOML
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&t); err != nil {
		return nil, fmt.Errorf("config: decoding directory toml: %w", err)
	}

	fromFile := make([]directory.Node, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		pub, err := hex.DecodeString(n.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: node %d has invalid public_key hex: %w", n.ID, err)
		}
		if len(pub) != sign.PublicKeySize {
			return nil, fmt.Errorf("config: node %d public key must be %d bytes, got %d", n.ID, sign.PublicKeySize, len(pub))
		}
		fromFile = append(fromFile, directory.Node{ID: n.ID, Address: n.Address, VerifyingKey: pub})
	}

	nodes := util.Concat(fromFile, extraNodes)
	return directory.New(nodes, t.MyID)
}

// LoadDirectoryFile reads path and parses it with ParseDirectoryBytes.
func LoadDirectoryFile(path string, extraNodes ...directory.Node) (*directory.Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading directory file: %w", err)
	}
	return ParseDirectoryBytes(b, extraNodes...)
}

// EncodeDirectory renders dir back to the TOML shape ParseDirectoryBytes
// reads, used by the directory CLI command to emit a file other
// operators can append their own node to.
func EncodeDirectory(dir *directory.Directory) ([]byte, error) {
	t := DirectoryTOML{MyID: dir.MeID()}
	for _, n := range dir.All() {
		t.Nodes = append(t.Nodes, NodeTOML{
			ID:        n.ID,
			Address:   n.Address,
			PublicKey: hex.EncodeToString(n.VerifyingKey),
		})
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("config: encoding directory toml: %w", err)
	}
	return buf.Bytes(), nil
}

// PrivateKeyTOML is the on-disk shape of a node's private key file: just its
// 32-byte Ed25519 seed, hex-encoded.
type PrivateKeyTOML struct {
	Seed string `toml:"seed"`
}

// LoadSignerFile reads a private key file at path and builds a sign.Signer
// from its seed.
func LoadSignerFile(path string) (*sign.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading private key file: %w", err)
	}
	var t PrivateKeyTOML
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&t); err != nil {
		return nil, fmt.Errorf("config: decoding private key toml: %w", err)
	}
	seed, err := hex.DecodeString(t.Seed)
	if err != nil {
		return nil, fmt.Errorf("config: invalid seed hex: %w", err)
	}
	return sign.NewSignerFromSeed(seed)
}

// EncodeSigner renders a signer's seed to the TOML shape LoadSignerFile
// reads. The caller is responsible for writing it to a file with
// restrictive permissions, since it contains the node's private key.
func EncodeSigner(seed []byte) ([]byte, error) {
	t := PrivateKeyTOML{Seed: hex.EncodeToString(seed)}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("config: encoding private key toml: %w", err)
	}
	return buf.Bytes(), nil
}
