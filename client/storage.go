// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/voipc/voipc/core/crypto/prekey"
	"github.com/voipc/voipc/core/crypto/ratchet"
	"github.com/voipc/voipc/core/crypto/vault"
	"github.com/voipc/voipc/core/utils"
)

const (
	sessionFile = "session.vsig"
	archiveFile = "archive.voip"
)

// storedState is the CBOR image of the session file: the long-term
// identity and every pairwise ratchet, keyed by peer username.
//
// One-time and signed pre-keys are deliberately absent.  The server
// holds bundles in memory only and forgets them on disconnect, so a
// fresh pool is generated and uploaded every run.
type storedState struct {
	IdentityDH  []byte
	SigningSeed []byte
	Ratchets    map[string][]byte
}

func (m *Messaging) sessionPath() string { return filepath.Join(m.dataDir, sessionFile) }
func (m *Messaging) archivePath() string { return filepath.Join(m.dataDir, archiveFile) }

// load restores the identity, ratchets and archive from disk.  A
// missing file is a first run, not an error.
func (m *Messaging) load() error {
	pt, err := vault.OpenFromFile(m.sessionPath(), vault.MagicSession, m.passphrase)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return err
	default:
		defer utils.ExplicitBzero(pt)
		s := &storedState{}
		if err := cbor.Unmarshal(pt, s); err != nil {
			return vault.ErrBadFormat
		}
		if m.identity, err = prekey.NewIdentityFromSeeds(s.IdentityDH, s.SigningSeed); err != nil {
			return err
		}
		for name, blob := range s.Ratchets {
			r, err := ratchet.Load(m.rand, blob)
			if err != nil {
				m.log.Errorf("Discarding unreadable session with %q: %v", name, err)
				continue
			}
			m.ratchets[name] = r
		}
	}

	a, err := vault.LoadArchive(m.archivePath(), m.passphrase)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return err
	default:
		m.archive = a
	}
	return nil
}

// save seals the identity, ratchets and archive to disk.
func (m *Messaging) save() error {
	m.Lock()
	defer m.Unlock()

	s := &storedState{
		IdentityDH:  m.identity.DHPrivate(),
		SigningSeed: m.identity.SigningSeed(),
		Ratchets:    make(map[string][]byte),
	}
	for name, r := range m.ratchets {
		blob, err := r.Save()
		if err != nil {
			return err
		}
		s.Ratchets[name] = blob
	}
	pt, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	defer utils.ExplicitBzero(pt)
	for _, blob := range s.Ratchets {
		defer utils.ExplicitBzero(blob)
	}

	if err := vault.SealToFile(m.rand, m.sessionPath(), vault.MagicSession, m.passphrase, pt); err != nil {
		return err
	}
	return m.archive.Save(m.rand, m.archivePath(), m.passphrase)
}
