// Package store persists the address book: which peer last reached
// each known public key, and which keys are explicitly denied. This
// is a cache of identity-to-address mappings, not a routing table —
// the router's forwarding scores stay session-only.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// AddressBookEntry records the last known reachable address for one
// public key, and whether that key has been explicitly denied.
type AddressBookEntry struct {
	PublicKey string    `gorm:"primarykey" json:"public_key"`
	LastPeer  string    `json:"last_peer,omitempty"`
	Denied    bool      `gorm:"default:false" json:"denied"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the address-book database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite-backed address book at
// path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&AddressBookEntry{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Remember records that key was last reached via p, updating only the
// address on an existing entry so a prior Deny survives.
func (s *Store) Remember(key identity.PublicKey, p peer.Peer) error {
	entry := AddressBookEntry{PublicKey: key.String(), LastPeer: p.String(), UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_peer", "updated_at"}),
	}).Create(&entry).Error
}

// Deny marks key as explicitly denied, which excludes it from
// SeedPeers and lists it in DeniedKeys; the daemon does not consult
// the flag when a connection is attempted. Updates only the denied
// flag so a previously remembered address survives.
func (s *Store) Deny(key identity.PublicKey) error {
	entry := AddressBookEntry{PublicKey: key.String(), Denied: true, UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "public_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"denied", "updated_at"}),
	}).Create(&entry).Error
}

// IsDenied reports whether key has an entry marked denied.
func (s *Store) IsDenied(key identity.PublicKey) bool {
	var entry AddressBookEntry
	if err := s.db.First(&entry, "public_key = ?", key.String()).Error; err != nil {
		return false
	}
	return entry.Denied
}

// SeedPeers returns the (key, last-known-peer) pairs persisted so far,
// for merging with config's initial_peers at startup.
func (s *Store) SeedPeers() (map[identity.PublicKey]peer.Peer, error) {
	var entries []AddressBookEntry
	if err := s.db.Where("denied = ?", false).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	out := make(map[identity.PublicKey]peer.Peer, len(entries))
	for _, e := range entries {
		if e.LastPeer == "" {
			continue
		}
		key, err := identity.ParsePublicKey(e.PublicKey)
		if err != nil {
			continue
		}
		p, err := peer.Parse(e.LastPeer)
		if err != nil {
			continue
		}
		out[key] = p
	}
	return out, nil
}

// DeniedKeys returns every public key explicitly marked denied.
func (s *Store) DeniedKeys() ([]identity.PublicKey, error) {
	var entries []AddressBookEntry
	if err := s.db.Where("denied = ?", true).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("store: list denied: %w", err)
	}
	out := make([]identity.PublicKey, 0, len(entries))
	for _, e := range entries {
		key, err := identity.ParsePublicKey(e.PublicKey)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
