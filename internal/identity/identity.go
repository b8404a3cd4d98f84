// Package identity manages the durable peer identity of this process.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cosmos/go-bip39"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a store holds no identity
var ErrNotFound = errors.New("identity not found")

// PeerIdentity is the stable identity of one process
type PeerIdentity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists a single identity under one durable key
type Store interface {
	Load() (*PeerIdentity, error)
	Save(id *PeerIdentity) error
	Delete() error
}

// Generate creates a fresh identity. The display name is base followed by a
// random word so that peers sharing a hostname stay distinguishable.
func Generate(base string) (*PeerIdentity, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultBase()
	}

	word, err := randomWord()
	if err != nil {
		return nil, err
	}

	return &PeerIdentity{
		ID:          uuid.NewString(),
		DisplayName: base + "-" + word,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// WithDisplayName creates a fresh identity with exactly the given display name
func WithDisplayName(name string) *PeerIdentity {
	return &PeerIdentity{
		ID:          uuid.NewString(),
		DisplayName: name,
		CreatedAt:   time.Now().UTC(),
	}
}

// DefaultBase returns the hostname, or "peer" when it is unavailable
func DefaultBase() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "peer"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func randomWord() (string, error) {
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return strings.Fields(mnemonic)[0], nil
}

// Valid reports whether the identity has the fields a peer needs
func (p *PeerIdentity) Valid() bool {
	if p == nil || p.DisplayName == "" {
		return false
	}
	_, err := uuid.Parse(p.ID)
	return err == nil
}

// LoadOrCreate returns the stored identity. A missing or undecodable record is
// replaced with a freshly generated one.
func LoadOrCreate(store Store, base string) (*PeerIdentity, error) {
	id, err := store.Load()
	if err == nil && id.Valid() {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("stored identity unreadable, regenerating", "error", err)
	}

	id, err = Generate(base)
	if err != nil {
		return nil, err
	}
	if err := store.Save(id); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}

	slog.Info("created peer identity", "id", id.ID, "name", id.DisplayName)
	return id, nil
}

// Next builds the identity that would replace the stored one without saving
// it. An empty displayName keeps the base of the current name and picks a new
// suffix word.
func Next(store Store, displayName string) (*PeerIdentity, error) {
	if displayName != "" {
		return WithDisplayName(displayName), nil
	}
	base := ""
	if cur, err := store.Load(); err == nil && cur.Valid() {
		base = Base(cur.DisplayName)
	}
	return Generate(base)
}

// Base strips the random suffix word from a generated display name
func Base(displayName string) string {
	i := strings.LastIndexByte(displayName, '-')
	if i <= 0 {
		return displayName
	}
	return displayName[:i]
}
