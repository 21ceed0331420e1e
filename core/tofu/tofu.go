// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package tofu pins server TLS certificates on first use.  Servers are
// expected to present self-signed certificates; instead of chasing a
// CA chain, the client remembers the leaf digest per host and refuses
// to proceed when it changes.
package tofu

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrCertificateChanged is returned when a host presents a leaf
	// that differs from the pinned one.  The user must explicitly
	// forget the old pin to proceed.
	ErrCertificateChanged = errors.New("tofu: server certificate changed")
	// ErrNoCertificate is returned when the peer presented no leaf.
	ErrNoCertificate = errors.New("tofu: peer presented no certificate")
)

var pinsBucket = []byte("pins")

// Store is the on-disk pin database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the pin database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pinsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Pin returns the stored digest for host, if any.
func (s *Store) Pin(host string) ([]byte, bool, error) {
	var pin []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pinsBucket).Get([]byte(host))
		if v != nil {
			pin = append([]byte(nil), v...)
		}
		return nil
	})
	return pin, pin != nil, err
}

// Forget removes a host's pin, for when a server legitimately rotated
// its certificate and the user approved the new one.
func (s *Store) Forget(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pinsBucket).Delete([]byte(host))
	})
}

// Verify checks a presented leaf against the pin for host, creating
// the pin on first contact.
func (s *Store) Verify(host string, leafDER []byte) error {
	if len(leafDER) == 0 {
		return ErrNoCertificate
	}
	digest := sha256.Sum256(leafDER)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pinsBucket)
		pinned := b.Get([]byte(host))
		if pinned == nil {
			return b.Put([]byte(host), digest[:])
		}
		if string(pinned) != string(digest[:]) {
			return ErrCertificateChanged
		}
		return nil
	})
}

// ClientTLSConfig builds a TLS config that accepts any chain the
// handshake presents and defers trust entirely to the pin check.
func (s *Store) ClientTLSConfig(host string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoCertificate
			}
			return s.Verify(host, rawCerts[0])
		},
	}
}
