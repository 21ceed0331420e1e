// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package prekey implements the X3DH agreement that seeds pairwise
// ratchet sessions.  Users publish a bundle of public keys through the
// server; an initiator fetches it and derives a shared secret without
// the responder being online.
package prekey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/voipc/voipc/core/wire/commands"
)

const (
	// DefaultPoolSize is how many one-time pre-keys a fresh pool holds.
	DefaultPoolSize = 100
	// ReplenishThreshold is the pool level at which a new batch should
	// be generated and uploaded.
	ReplenishThreshold = 10

	// SecretSize is the derived shared secret length.
	SecretSize = 32
)

var (
	// ErrBadSignature is returned when a bundle's signed pre-key
	// signature does not verify against its signing key.
	ErrBadSignature = errors.New("prekey: signed pre-key signature invalid")
	// ErrUnknownPreKey is returned when a hello references a pre-key
	// this pool no longer holds.
	ErrUnknownPreKey = errors.New("prekey: unknown pre-key id")
	// ErrBadPublicKey is returned for an all-zero or low-order DH
	// public value.
	ErrBadPublicKey = errors.New("prekey: invalid public key")
)

var x3dhInfo = []byte("voipc-x3dh-v1")

// Identity is a user's long-term key material: an X25519 key for
// agreement and an Ed25519 key for signing pre-keys.
type Identity struct {
	dhPrivate *memguard.LockedBuffer
	DHPublic  [32]byte

	signing       ed25519.PrivateKey
	SigningPublic [32]byte
}

// NewIdentity generates a fresh identity.
func NewIdentity(rand io.Reader) (*Identity, error) {
	priv, err := memguard.NewBufferFromReader(rand, 32)
	if err != nil {
		return nil, err
	}
	id := &Identity{dhPrivate: priv}
	curve25519.ScalarBaseMult(&id.DHPublic, priv.ByteArray32())

	pub, sk, err := ed25519.GenerateKey(rand)
	if err != nil {
		priv.Destroy()
		return nil, err
	}
	id.signing = sk
	copy(id.SigningPublic[:], pub)
	return id, nil
}

// NewIdentityFromSeeds rebuilds an identity from stored secrets.
func NewIdentityFromSeeds(dhPrivate, signingSeed []byte) (*Identity, error) {
	if len(dhPrivate) != 32 || len(signingSeed) != ed25519.SeedSize {
		return nil, ErrBadPublicKey
	}
	id := &Identity{dhPrivate: memguard.NewBufferFromBytes(dhPrivate)}
	curve25519.ScalarBaseMult(&id.DHPublic, id.dhPrivate.ByteArray32())
	id.signing = ed25519.NewKeyFromSeed(signingSeed)
	copy(id.SigningPublic[:], id.signing.Public().(ed25519.PublicKey))
	return id, nil
}

// DHPrivate exposes the agreement secret for session persistence.  The
// slice aliases locked memory.
func (id *Identity) DHPrivate() []byte { return id.dhPrivate.Bytes() }

// SigningSeed exposes the Ed25519 seed for session persistence.
func (id *Identity) SigningSeed() []byte { return id.signing.Seed() }

// Sign signs a pre-key public value.
func (id *Identity) Sign(pub [32]byte) (sig [64]byte) {
	copy(sig[:], ed25519.Sign(id.signing, pub[:]))
	return
}

// Fingerprint is the value users compare out of band to authenticate
// each other: a digest of both long-term public keys.
func (id *Identity) Fingerprint() [32]byte {
	h := sha256.New()
	h.Write(id.DHPublic[:])
	h.Write(id.SigningPublic[:])
	var fp [32]byte
	h.Sum(fp[:0])
	return fp
}

// Destroy scrubs the agreement secret.
func (id *Identity) Destroy() {
	id.dhPrivate.Destroy()
	for i := range id.signing {
		id.signing[i] = 0
	}
}

type keyPair struct {
	private *memguard.LockedBuffer
	public  [32]byte
}

func newKeyPair(rand io.Reader) (*keyPair, error) {
	priv, err := memguard.NewBufferFromReader(rand, 32)
	if err != nil {
		return nil, err
	}
	kp := &keyPair{private: priv}
	curve25519.ScalarBaseMult(&kp.public, priv.ByteArray32())
	return kp, nil
}

// Pool holds a user's private pre-key material: the current signed
// pre-key and the one-time pool.  The public halves are what gets
// uploaded.
type Pool struct {
	mu sync.Mutex

	identity *Identity

	signedID  uint32
	signed    *keyPair
	signedSig [64]byte

	oneTime map[uint32]*keyPair
	nextID  uint32

	rand io.Reader
}

// NewPool generates a signed pre-key and a full one-time batch.
func NewPool(rand io.Reader, identity *Identity) (*Pool, error) {
	p := &Pool{
		identity: identity,
		oneTime:  make(map[uint32]*keyPair),
		rand:     rand,
	}
	if err := p.rotateSigned(); err != nil {
		return nil, err
	}
	if _, err := p.Replenish(DefaultPoolSize); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) rotateSigned() error {
	kp, err := newKeyPair(p.rand)
	if err != nil {
		return err
	}
	p.signedID = p.nextID
	p.nextID++
	p.signed = kp
	p.signedSig = p.identity.Sign(kp.public)
	return nil
}

// Replenish generates n fresh one-time pre-keys and returns their
// public halves for upload.
func (p *Pool) Replenish(n int) ([]commands.OneTimePreKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]commands.OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := newKeyPair(p.rand)
		if err != nil {
			return nil, err
		}
		id := p.nextID
		p.nextID++
		p.oneTime[id] = kp
		out = append(out, commands.OneTimePreKey{KeyID: id, PublicKey: kp.public})
	}
	return out, nil
}

// Remaining reports the one-time pool level.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.oneTime)
}

// NeedsReplenish reports whether the pool fell to the threshold.
func (p *Pool) NeedsReplenish() bool {
	return p.Remaining() <= ReplenishThreshold
}

// BundleData assembles the uploadable bundle: all public halves.
func (p *Pool) BundleData() *commands.PreKeyBundleData {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := &commands.PreKeyBundleData{
		IdentityKey:     p.identity.DHPublic,
		SigningKey:      p.identity.SigningPublic,
		SignedPreKeyID:  p.signedID,
		SignedPreKey:    p.signed.public,
		SignedPreKeySig: p.signedSig,
	}
	for id, kp := range p.oneTime {
		d.OneTimePreKeys = append(d.OneTimePreKeys, commands.OneTimePreKey{
			KeyID: id, PublicKey: kp.public,
		})
	}
	return d
}

// SignedPreKeyPrivate returns the private half of the current signed
// pre-key; the responder's ratchet is seeded with it.
func (p *Pool) SignedPreKeyPrivate(id uint32) (*[32]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.signedID {
		return nil, ErrUnknownPreKey
	}
	return p.signed.private.ByteArray32(), nil
}

// takeOneTime consumes a one-time pre-key.
func (p *Pool) takeOneTime(id uint32) (*keyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.oneTime[id]
	if !ok {
		return nil, ErrUnknownPreKey
	}
	delete(p.oneTime, id)
	return kp, nil
}

// Hello is the initiator's first-contact payload.  It travels in the
// clear alongside the first ratchet ciphertext; everything in it is
// public key material.
type Hello struct {
	IdentityKey    [32]byte
	EphemeralKey   [32]byte
	SignedPreKeyID uint32
	OneTimeKeyID   *uint32
}

func dh(private *memguard.LockedBuffer, public *[32]byte) ([]byte, error) {
	out, err := curve25519.X25519(private.Bytes(), public[:])
	if err != nil {
		return nil, ErrBadPublicKey
	}
	return out, nil
}

func deriveSecret(parts ...[]byte) []byte {
	// Domain-separation prefix of 32 0xff bytes, per the X3DH paper.
	ikm := make([]byte, 32, 32+len(parts)*32)
	for i := range ikm {
		ikm[i] = 0xff
	}
	for _, p := range parts {
		ikm = append(ikm, p...)
	}
	secret := make([]byte, SecretSize)
	r := hkdf.New(sha256.New, ikm, make([]byte, 32), x3dhInfo)
	if _, err := io.ReadFull(r, secret); err != nil {
		panic(err)
	}
	for i := range ikm {
		ikm[i] = 0
	}
	return secret
}

// Initiate runs the initiator side against a fetched bundle.  It
// verifies the signed pre-key, derives the shared secret and builds
// the Hello for the responder.  The secret should be fed to a ratchet
// and wiped.
func Initiate(rand io.Reader, us *Identity, bundle *commands.PreKeyBundle) ([]byte, *Hello, error) {
	if !ed25519.Verify(bundle.SigningKey[:], bundle.SignedPreKey[:], bundle.SignedPreKeySig[:]) {
		return nil, nil, ErrBadSignature
	}

	eph, err := newKeyPair(rand)
	if err != nil {
		return nil, nil, err
	}
	defer eph.private.Destroy()

	dh1, err := dh(us.dhPrivate, &bundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(eph.private, &bundle.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(eph.private, &bundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}

	hello := &Hello{
		IdentityKey:    us.DHPublic,
		EphemeralKey:   eph.public,
		SignedPreKeyID: bundle.SignedPreKeyID,
	}

	parts := [][]byte{dh1, dh2, dh3}
	if bundle.OneTimePreKey != nil {
		dh4, err := dh(eph.private, &bundle.OneTimePreKey.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, dh4)
		id := bundle.OneTimePreKey.KeyID
		hello.OneTimeKeyID = &id
	}

	secret := deriveSecret(parts...)
	for _, p := range parts {
		for i := range p {
			p[i] = 0
		}
	}
	return secret, hello, nil
}

// Respond runs the responder side from a received Hello.  The
// referenced one-time pre-key is consumed.
func Respond(us *Identity, pool *Pool, hello *Hello) ([]byte, error) {
	pool.mu.Lock()
	if hello.SignedPreKeyID != pool.signedID {
		pool.mu.Unlock()
		return nil, ErrUnknownPreKey
	}
	signed := pool.signed
	pool.mu.Unlock()

	dh1, err := dh(signed.private, &hello.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(us.dhPrivate, &hello.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signed.private, &hello.EphemeralKey)
	if err != nil {
		return nil, err
	}

	parts := [][]byte{dh1, dh2, dh3}
	if hello.OneTimeKeyID != nil {
		kp, err := pool.takeOneTime(*hello.OneTimeKeyID)
		if err != nil {
			return nil, err
		}
		dh4, err := dh(kp.private, &hello.EphemeralKey)
		kp.private.Destroy()
		if err != nil {
			return nil, err
		}
		parts = append(parts, dh4)
	}

	secret := deriveSecret(parts...)
	for _, p := range parts {
		for i := range p {
			p[i] = 0
		}
	}
	return secret, nil
}
