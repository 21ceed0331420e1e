// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements the pairwise double ratchet.  Sessions
// are seeded from an X3DH agreement; every text message, sender key
// and media key between two users flows through one of these.  Key
// material lives in locked buffers and the full state round-trips
// through CBOR for the encrypted session file.
package ratchet

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"

	"github.com/voipc/voipc/core/utils"
)

var (
	ErrDuplicateOrDelayed  = errors.New("ratchet: duplicate message or message delayed longer than tolerance")
	ErrCannotDecrypt       = errors.New("ratchet: cannot decrypt")
	ErrIncorrectHeaderSize = errors.New("ratchet: incorrect header size")
	ErrCorruptMessage      = errors.New("ratchet: corrupt message")
	ErrUnrecoverableGap    = errors.New("ratchet: message gap exceeds reordering limit")
	ErrHeaderTooSmall      = errors.New("ratchet: header too small to be valid")
	ErrBadSecretSize       = errors.New("ratchet: bad shared secret length")
	ErrBadKeyLength        = errors.New("ratchet: bad serialized key length")
	ErrRatchetFlagUnset    = errors.New("ratchet: message for next header key without ratchet flag set")

	// Labels for deriving independent keys from a master key.
	chainKeyLabel      = []byte("chain key")
	headerKeyLabel     = []byte("header key")
	nextHeaderKeyLabel = []byte("next header key")
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	messageKeyLabel    = []byte("message key")
	chainKeyStepLabel  = []byte("chain key step")
)

// savedKey is a message key derived for a message that has not arrived
// yet.  The timestamp comes from the message by which we learned of
// the gap.
type savedKey struct {
	key       *memguard.LockedBuffer
	timestamp time.Time
}

type cborSavedKey struct {
	Num          uint32
	Key          []byte
	CreationTime int64
}

type cborSavedChain struct {
	HeaderKey   []byte
	MessageKeys []*cborSavedKey
}

// state is the CBOR image of a ratchet.
type state struct {
	RootKey            []byte
	SendHeaderKey      []byte
	RecvHeaderKey      []byte
	NextSendHeaderKey  []byte
	NextRecvHeaderKey  []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendRatchetPrivate []byte
	RecvRatchetPublic  []byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32
	Ratchet            bool
	SavedChains        []*cborSavedChain
}

// Ratchet holds the per-contact crypto state.
type Ratchet struct {
	// Now is an optional clock override for tests.
	Now func() time.Time

	rootKey *memguard.LockedBuffer

	sendHeaderKey, recvHeaderKey         *memguard.LockedBuffer
	nextSendHeaderKey, nextRecvHeaderKey *memguard.LockedBuffer
	sendChainKey, recvChainKey           *memguard.LockedBuffer

	sendCount, recvCount uint32
	prevSendCount        uint32

	sendRatchetPrivate, recvRatchetPublic *memguard.LockedBuffer

	// ratchet is true if the next message sent carries a new DH value.
	ratchet bool

	// saved maps header key to message number to message key.
	saved map[*memguard.LockedBuffer]map[uint32]savedKey

	rand io.Reader
}

func newEmpty(rand io.Reader) *Ratchet {
	return &Ratchet{
		rand:               rand,
		saved:              make(map[*memguard.LockedBuffer]map[uint32]savedKey),
		rootKey:            memguard.NewBuffer(keySize),
		sendHeaderKey:      memguard.NewBuffer(keySize),
		recvHeaderKey:      memguard.NewBuffer(keySize),
		nextSendHeaderKey:  memguard.NewBuffer(keySize),
		nextRecvHeaderKey:  memguard.NewBuffer(keySize),
		sendChainKey:       memguard.NewBuffer(keySize),
		recvChainKey:       memguard.NewBuffer(keySize),
		sendRatchetPrivate: memguard.NewBuffer(keySize),
		recvRatchetPublic:  memguard.NewBuffer(keySize),
	}
}

// deriveKey calculates key = HMAC(master, label) in place.
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if !key.IsMutable() {
		key.Melt()
		defer key.Freeze()
	}
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("ratchet: hash function wrong size")
	}
}

// NewInitiator builds the initiator's half of a session.  sharedSecret
// is the X3DH output; theirRatchetPublic is the responder's signed
// pre-key, which doubles as its first ratchet public value.  The first
// Encrypt performs a DH ratchet step.
func NewInitiator(rand io.Reader, sharedSecret []byte, theirRatchetPublic *[publicKeySize]byte) (*Ratchet, error) {
	if len(sharedSecret) != sharedKeySize {
		return nil, ErrBadSecretSize
	}
	r := newEmpty(rand)
	h := hmac.New(sha3.New256, sharedSecret)
	deriveKey(r.rootKey, rootKeyLabel, h)
	deriveKey(r.recvHeaderKey, headerKeyLabel, h)
	deriveKey(r.nextSendHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(r.nextRecvHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(r.recvChainKey, chainKeyLabel, h)
	r.recvRatchetPublic.Melt()
	r.recvRatchetPublic.Copy(theirRatchetPublic[:])
	r.recvRatchetPublic.Freeze()
	r.ratchet = true
	return r, nil
}

// NewResponder builds the responder's half of a session.
// ratchetPrivate is the private half of the signed pre-key the
// initiator targeted.
func NewResponder(rand io.Reader, sharedSecret []byte, ratchetPrivate *[privateKeySize]byte) (*Ratchet, error) {
	if len(sharedSecret) != sharedKeySize {
		return nil, ErrBadSecretSize
	}
	r := newEmpty(rand)
	h := hmac.New(sha3.New256, sharedSecret)
	deriveKey(r.rootKey, rootKeyLabel, h)
	deriveKey(r.sendHeaderKey, headerKeyLabel, h)
	deriveKey(r.nextSendHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(r.nextRecvHeaderKey, nextHeaderKeyLabel, h)
	deriveKey(r.sendChainKey, chainKeyLabel, h)
	r.sendRatchetPrivate.Melt()
	r.sendRatchetPrivate.Copy(ratchetPrivate[:])
	r.sendRatchetPrivate.Freeze()
	r.ratchet = false
	return r, nil
}

func (r *Ratchet) randBytes(buf []byte) {
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		panic(err)
	}
}

func (r *Ratchet) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Encrypt appends an encrypted version of msg to out.
func (r *Ratchet) Encrypt(out, msg []byte) ([]byte, error) {
	if r.ratchet {
		var err error
		r.sendRatchetPrivate, err = memguard.NewBufferFromReader(r.rand, keySize)
		if err != nil {
			return nil, err
		}

		r.sendHeaderKey.Melt()
		r.sendHeaderKey.Copy(r.nextSendHeaderKey.Bytes())
		r.sendHeaderKey.Freeze()

		sharedKey := memguard.NewBuffer(sharedKeySize)
		keyMaterial := memguard.NewBuffer(sharedKeySize)
		curve25519.ScalarMult(sharedKey.ByteArray32(), r.sendRatchetPrivate.ByteArray32(), r.recvRatchetPublic.ByteArray32())

		sha := sha3.New256()
		sha.Write(rootKeyUpdateLabel)
		sha.Write(r.rootKey.Bytes())
		sha.Write(sharedKey.Bytes())
		sha.Sum(keyMaterial.Bytes()[:0])
		h := hmac.New(sha3.New256, keyMaterial.Bytes())

		deriveKey(r.rootKey, rootKeyLabel, h)
		deriveKey(r.nextSendHeaderKey, headerKeyLabel, h)
		deriveKey(r.sendChainKey, chainKeyLabel, h)
		sharedKey.Destroy()
		keyMaterial.Destroy()
		r.prevSendCount, r.sendCount = r.sendCount, 0
		r.ratchet = false
	}

	h := hmac.New(sha3.New256, r.sendChainKey.Bytes())
	messageKey := memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(r.sendChainKey, chainKeyStepLabel, h)

	var sendRatchetPublic [publicKeySize]byte
	curve25519.ScalarBaseMult(&sendRatchetPublic, r.sendRatchetPrivate.ByteArray32())

	var header [headerSize]byte
	var headerNonce, messageNonce [nonceSize]byte
	r.randBytes(headerNonce[:])
	r.randBytes(messageNonce[:])

	binary.LittleEndian.PutUint32(header[0:4], r.sendCount)
	binary.LittleEndian.PutUint32(header[4:8], r.prevSendCount)
	copy(header[nonceInHeaderOffset:], messageNonce[:])
	copy(header[ratchetPublicOffset:], sendRatchetPublic[:])
	out = append(out, headerNonce[:]...)
	out = secretbox.Seal(out, header[:], &headerNonce, r.sendHeaderKey.ByteArray32())
	r.sendCount++

	sealed := secretbox.Seal(out, msg, &messageNonce, messageKey.ByteArray32())
	messageKey.Destroy()
	return sealed, nil
}

// trySavedKeys attempts decryption with keys cached for messages that
// were skipped over.
func (r *Ratchet) trySavedKeys(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrHeaderTooSmall
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	for headerKey, messageKeys := range r.saved {
		header, ok := secretbox.Open(nil, sealedHeader, &nonce, headerKey.ByteArray32())
		if !ok {
			continue
		}
		if len(header) != headerSize {
			continue
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		msgKey, ok := messageKeys[msgNum]
		if !ok {
			// Common case: the next expected message key is not
			// cached because it has not been skipped.
			return nil, nil
		}

		sealedMessage := ciphertext[sealedHeaderSize:]
		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, msgKey.key.ByteArray32())
		if !ok {
			return nil, ErrCorruptMessage
		}
		delete(messageKeys, msgNum)
		msgKey.key.Destroy()
		if len(messageKeys) == 0 {
			delete(r.saved, headerKey)
			headerKey.Destroy()
		}
		return msg, nil
	}

	return nil, nil
}

// saveKeys advances a receive chain to messageNum, returning the
// message key for it, the provisional chain key, and the keys of any
// skipped messages for merging into r.saved.
func (r *Ratchet) saveKeys(headerKey, recvChainKey *memguard.LockedBuffer, messageNum, receivedCount uint32) (provisionalChainKey, messageKey *memguard.LockedBuffer, saved map[*memguard.LockedBuffer]map[uint32]savedKey, err error) {
	if messageNum < receivedCount {
		// A message from the past with no cached key: either a
		// duplicate or the cached key already expired.
		err = ErrDuplicateOrDelayed
		return
	}

	missingMessages := messageNum - receivedCount
	if missingMessages > MaxMissingMessages {
		err = ErrUnrecoverableGap
		return
	}

	var messageKeys map[uint32]savedKey
	if missingMessages > 0 {
		messageKeys = make(map[uint32]savedKey)
	}
	now := r.now()

	provisionalChainKey = memguard.NewBuffer(keySize)
	provisionalChainKey.Copy(recvChainKey.Bytes())

	for n := receivedCount; n <= messageNum; n++ {
		h := hmac.New(sha3.New256, provisionalChainKey.Bytes())
		messageKey = memguard.NewBuffer(keySize)
		deriveKey(messageKey, messageKeyLabel, h)
		deriveKey(provisionalChainKey, chainKeyStepLabel, h)

		if n < messageNum {
			messageKeys[n] = savedKey{messageKey, now}
		}
	}

	if messageKeys != nil {
		saved = make(map[*memguard.LockedBuffer]map[uint32]savedKey)
		hkey := memguard.NewBuffer(keySize)
		hkey.Copy(headerKey.Bytes())
		saved[hkey] = messageKeys
	}

	return
}

// mergeSavedKeys folds the output of saveKeys into r.saved.
func (r *Ratchet) mergeSavedKeys(newKeys map[*memguard.LockedBuffer]map[uint32]savedKey) {
	for headerKey, newMessageKeys := range newKeys {
		messageKeys, ok := r.saved[headerKey]
		if !ok {
			r.saved[headerKey] = newMessageKeys
			continue
		}
		headerKey.Destroy()
		for n, messageKey := range newMessageKeys {
			if _, exists := messageKeys[n]; exists {
				messageKey.key.Destroy()
				continue
			}
			messageKeys[n] = messageKey
		}
	}
}

func (r *Ratchet) wipeSavedKeys() {
	for headerKey, keys := range r.saved {
		for _, saved := range keys {
			saved.key.Destroy()
		}
		delete(r.saved, headerKey)
		headerKey.Destroy()
	}
}

// Decrypt decrypts a message, advancing chains and performing a DH
// ratchet step when the header announces a new ratchet value.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	msg, err := r.trySavedKeys(ciphertext)
	if err != nil || msg != nil {
		return msg, err
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	sealedMessage := ciphertext[sealedHeaderSize:]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	header, ok := secretbox.Open(nil, sealedHeader, &nonce, r.recvHeaderKey.ByteArray32())
	ok = ok && !utils.CtIsZero(r.recvHeaderKey.Bytes())

	if ok {
		if len(header) != headerSize {
			return nil, ErrIncorrectHeaderSize
		}

		messageNum := binary.LittleEndian.Uint32(header[:4])
		provisionalChainKey, messageKey, saved, err := r.saveKeys(r.recvHeaderKey, r.recvChainKey, messageNum, r.recvCount)
		if err != nil {
			return nil, err
		}

		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
		messageKey.Destroy()
		if !ok {
			return nil, ErrCorruptMessage
		}

		r.recvChainKey.Melt()
		r.recvChainKey.Copy(provisionalChainKey.Bytes())
		r.recvChainKey.Freeze()
		provisionalChainKey.Destroy()

		r.mergeSavedKeys(saved)
		r.recvCount = messageNum + 1
		return msg, nil
	}

	header, ok = secretbox.Open(nil, sealedHeader, &nonce, r.nextRecvHeaderKey.ByteArray32())
	if !ok {
		return nil, ErrCannotDecrypt
	}
	if len(header) != headerSize {
		return nil, ErrIncorrectHeaderSize
	}

	if r.ratchet {
		return nil, ErrRatchetFlagUnset
	}

	messageNum := binary.LittleEndian.Uint32(header[:4])
	prevMessageCount := binary.LittleEndian.Uint32(header[4:8])

	_, _, oldSaved, err := r.saveKeys(r.recvHeaderKey, r.recvChainKey, prevMessageCount, r.recvCount)
	if err != nil {
		return nil, err
	}

	dhPublic := memguard.NewBuffer(keySize)
	sharedKey := memguard.NewBuffer(keySize)
	keyMaterial := memguard.NewBuffer(keySize)
	dhPublic.Copy(header[ratchetPublicOffset:])

	curve25519.ScalarMult(sharedKey.ByteArray32(), r.sendRatchetPrivate.ByteArray32(), dhPublic.ByteArray32())

	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(r.rootKey.Bytes())
	sha.Write(sharedKey.Bytes())
	sha.Sum(keyMaterial.Bytes()[:0])
	rootKeyHMAC := hmac.New(sha3.New256, keyMaterial.Bytes())

	chainKey := memguard.NewBuffer(keySize)
	deriveKey(r.rootKey, rootKeyLabel, rootKeyHMAC)
	deriveKey(chainKey, chainKeyLabel, rootKeyHMAC)

	provisionalChainKey, messageKey, saved, err := r.saveKeys(r.nextRecvHeaderKey, chainKey, messageNum, 0)
	if err != nil {
		return nil, err
	}

	copy(nonce[:], header[nonceInHeaderOffset:])
	msg, ok = secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
	messageKey.Destroy()
	if !ok {
		return nil, ErrCorruptMessage
	}

	r.recvChainKey.Melt()
	r.recvChainKey.Copy(provisionalChainKey.Bytes())
	r.recvChainKey.Freeze()
	provisionalChainKey.Destroy()

	r.recvHeaderKey.Melt()
	r.recvHeaderKey.Copy(r.nextRecvHeaderKey.Bytes())
	r.recvHeaderKey.Freeze()

	deriveKey(r.nextRecvHeaderKey, headerKeyLabel, rootKeyHMAC)

	r.sendRatchetPrivate.Melt()
	r.sendRatchetPrivate.Wipe()
	r.sendRatchetPrivate.Freeze()

	r.recvRatchetPublic.Melt()
	r.recvRatchetPublic.Copy(dhPublic.Bytes())
	r.recvRatchetPublic.Freeze()

	sharedKey.Destroy()
	keyMaterial.Destroy()
	chainKey.Destroy()
	dhPublic.Destroy()

	r.recvCount = messageNum + 1
	r.mergeSavedKeys(oldSaved)
	r.mergeSavedKeys(saved)
	r.ratchet = true

	return msg, nil
}

// Save serializes the ratchet for the encrypted session file.  Skipped
// keys older than SavedKeyMaxLifetime are dropped.
func (r *Ratchet) Save() ([]byte, error) {
	s := r.marshal(r.now(), SavedKeyMaxLifetime)
	return cbor.Marshal(s)
}

func (r *Ratchet) marshal(now time.Time, lifetime time.Duration) *state {
	s := &state{
		RootKey:            r.rootKey.Bytes(),
		SendHeaderKey:      r.sendHeaderKey.Bytes(),
		RecvHeaderKey:      r.recvHeaderKey.Bytes(),
		NextSendHeaderKey:  r.nextSendHeaderKey.Bytes(),
		NextRecvHeaderKey:  r.nextRecvHeaderKey.Bytes(),
		SendChainKey:       r.sendChainKey.Bytes(),
		RecvChainKey:       r.recvChainKey.Bytes(),
		SendRatchetPrivate: r.sendRatchetPrivate.Bytes(),
		RecvRatchetPublic:  r.recvRatchetPublic.Bytes(),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
		Ratchet:            r.ratchet,
	}

	for headerKey, messageKeys := range r.saved {
		chain := &cborSavedChain{HeaderKey: headerKey.Bytes()}
		for messageNum, saved := range messageKeys {
			if now.Sub(saved.timestamp) > lifetime {
				continue
			}
			chain.MessageKeys = append(chain.MessageKeys, &cborSavedKey{
				Num:          messageNum,
				Key:          saved.key.Bytes(),
				CreationTime: saved.timestamp.UnixNano(),
			})
		}
		s.SavedChains = append(s.SavedChains, chain)
	}

	return s
}

// Load takes ownership of data, unmarshals it into a new Ratchet and
// wipes it afterwards.
func Load(rand io.Reader, data []byte) (*Ratchet, error) {
	defer utils.ExplicitBzero(data)
	s := &state{}
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return newFromState(rand, s)
}

func newFromState(rand io.Reader, s *state) (*Ratchet, error) {
	for _, b := range [][]byte{
		s.RootKey, s.SendHeaderKey, s.RecvHeaderKey,
		s.NextSendHeaderKey, s.NextRecvHeaderKey,
		s.SendChainKey, s.RecvChainKey,
		s.SendRatchetPrivate, s.RecvRatchetPublic,
	} {
		if len(b) != keySize {
			return nil, ErrBadKeyLength
		}
	}

	r := &Ratchet{
		rand:               rand,
		saved:              make(map[*memguard.LockedBuffer]map[uint32]savedKey),
		sendCount:          s.SendCount,
		recvCount:          s.RecvCount,
		prevSendCount:      s.PrevSendCount,
		ratchet:            s.Ratchet,
		rootKey:            memguard.NewBufferFromBytes(s.RootKey),
		sendHeaderKey:      memguard.NewBufferFromBytes(s.SendHeaderKey),
		recvHeaderKey:      memguard.NewBufferFromBytes(s.RecvHeaderKey),
		nextSendHeaderKey:  memguard.NewBufferFromBytes(s.NextSendHeaderKey),
		nextRecvHeaderKey:  memguard.NewBufferFromBytes(s.NextRecvHeaderKey),
		sendChainKey:       memguard.NewBufferFromBytes(s.SendChainKey),
		recvChainKey:       memguard.NewBufferFromBytes(s.RecvChainKey),
		sendRatchetPrivate: memguard.NewBufferFromBytes(s.SendRatchetPrivate),
		recvRatchetPublic:  memguard.NewBufferFromBytes(s.RecvRatchetPublic),
	}

	for _, chain := range s.SavedChains {
		if len(chain.HeaderKey) != keySize {
			return nil, ErrBadKeyLength
		}
		messageKeys := make(map[uint32]savedKey)
		for _, mk := range chain.MessageKeys {
			if len(mk.Key) != keySize {
				return nil, ErrBadKeyLength
			}
			messageKeys[mk.Num] = savedKey{
				key:       memguard.NewBufferFromBytes(mk.Key),
				timestamp: time.Unix(0, mk.CreationTime),
			}
		}
		r.saved[memguard.NewBufferFromBytes(chain.HeaderKey)] = messageKeys
	}

	return r, nil
}

// Destroy scrubs all key material.  The ratchet is unusable afterwards.
func (r *Ratchet) Destroy() {
	r.rootKey.Destroy()
	r.sendHeaderKey.Destroy()
	r.recvHeaderKey.Destroy()
	r.nextSendHeaderKey.Destroy()
	r.nextRecvHeaderKey.Destroy()
	r.sendChainKey.Destroy()
	r.recvChainKey.Destroy()
	r.sendRatchetPrivate.Destroy()
	r.recvRatchetPublic.Destroy()
	r.sendCount, r.recvCount = 0, 0
	r.prevSendCount = 0
	r.wipeSavedKeys()
}
