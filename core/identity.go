package core

// identity.go – the node's persistent network identity: an Ed25519 keypair
// stored protobuf-encoded at the configured keystore path and created on
// first run.

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// PeerIdentity is the node's keypair and derived peer id.
type PeerIdentity struct {
	key    p2pcrypto.PrivKey
	peerID peer.ID
}

// GenerateIdentity draws a fresh Ed25519 identity.
func GenerateIdentity() (*PeerIdentity, error) {
	key, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate identity: %v", ErrInvalidPeerID, err)
	}
	return identityFromKey(key)
}

func identityFromKey(key p2pcrypto.PrivKey) (*PeerIdentity, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: derive peer id: %v", ErrInvalidPeerID, err)
	}
	return &PeerIdentity{key: key, peerID: id}, nil
}

// LoadIdentity reads a protobuf-encoded keypair from the keystore file.
func LoadIdentity(path string) (*PeerIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := p2pcrypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode keypair: %v", ErrInvalidPeerID, err)
	}
	return identityFromKey(key)
}

// Save writes the keypair to the keystore file, creating parent directories.
func (p *PeerIdentity) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keystore dir: %w", err)
		}
	}
	data, err := p2pcrypto.MarshalPrivateKey(p.key)
	if err != nil {
		return fmt.Errorf("%w: encode keypair: %v", ErrInvalidPeerID, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

// LoadOrGenerateIdentity loads the keystore or, on first run, creates it.
func LoadOrGenerateIdentity(path string) (*PeerIdentity, error) {
	if identity, err := LoadIdentity(path); err == nil {
		logrus.Infof("loaded peer identity %s", identity.peerID)
		return identity, nil
	}
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := identity.Save(path); err != nil {
		return nil, err
	}
	logrus.Infof("generated peer identity %s", identity.peerID)
	return identity, nil
}

// Key returns the private key for the libp2p host.
func (p *PeerIdentity) Key() p2pcrypto.PrivKey { return p.key }

// PeerID returns the derived peer id.
func (p *PeerIdentity) PeerID() peer.ID { return p.peerID }
