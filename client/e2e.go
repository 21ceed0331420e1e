// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/crypto/group"
	"github.com/voipc/voipc/core/crypto/mediakey"
	"github.com/voipc/voipc/core/crypto/prekey"
	"github.com/voipc/voipc/core/crypto/ratchet"
	"github.com/voipc/voipc/core/crypto/vault"
	"github.com/voipc/voipc/core/packet"
	"github.com/voipc/voipc/core/wire/commands"
)

const (
	// preKeyBatch is how many one-time pre-keys are published at once.
	preKeyBatch = 100

	// mediaRingDepth is how many media key generations a receiver
	// keeps so packets in flight across a rotation still open.
	mediaRingDepth = 2
)

var (
	// ErrNoSession is returned when an inbound payload references a
	// pairwise session that does not exist.
	ErrNoSession = errors.New("client: no pairwise session with that user")

	// ErrUnknownPeer is returned when a peer cannot be resolved in the
	// roster.
	ErrUnknownPeer = errors.New("client: unknown peer")

	// ErrNoMediaKey is returned when a channel has no media key yet.
	ErrNoMediaKey = errors.New("client: no media key for channel")
)

// Inner payload kinds carried inside pairwise ratchet ciphertext.
const (
	payloadChat uint8 = 1 + iota
	payloadPoke
	payloadSenderKey
	payloadMediaKey
)

// envelope is the outer frame of every pairwise ciphertext.  Hello is
// present only on the session-opening message.
type envelope struct {
	Hello []byte `cbor:"h,omitempty"`
	Body  []byte `cbor:"b"`
}

type payload struct {
	Kind      uint8  `cbor:"k"`
	Body      []byte `cbor:"b"`
	Timestamp int64  `cbor:"t,omitempty"`
}

type senderKeyBody struct {
	ChannelID uint32 `cbor:"c"`
	Dist      []byte `cbor:"d"`
}

type mediaKeyBody struct {
	ChannelID uint32 `cbor:"c"`
	Key       []byte `cbor:"k"`
}

// channelCrypto is the per-channel key state: our outbound sender-key
// chain, one receiver chain per remote member, and the shared media
// key generations.
type channelCrypto struct {
	sender    *group.Sender
	receivers map[uint32]*group.Receiver

	mediaTx *mediakey.Sender
	ring    *mediakey.Ring
	lastGen uint32
}

func (cc *channelCrypto) destroy() {
	if cc.sender != nil {
		cc.sender.Destroy()
	}
	for _, r := range cc.receivers {
		r.Destroy()
	}
	if cc.ring != nil {
		cc.ring.Destroy()
	}
}

// Messaging is the end-to-end encryption layer: pairwise ratchets,
// channel sender keys, media keys and the encrypted local archive.
type Messaging struct {
	c    *Client
	log  *logging.Logger
	rand io.Reader

	dataDir    string
	passphrase []byte

	sync.Mutex
	identity *prekey.Identity
	pool     *prekey.Pool

	// ratchets is keyed by username; user IDs do not survive a server
	// restart but pairwise sessions must.
	ratchets     map[string]*ratchet.Ratchet
	helloPending map[string][]byte

	channels map[uint32]*channelCrypto

	archive *vault.Archive
}

func newMessaging(c *Client, rand io.Reader, dataDir string, passphrase []byte) (*Messaging, error) {
	m := &Messaging{
		c:            c,
		log:          c.logBackend.GetLogger("e2e"),
		rand:         rand,
		dataDir:      dataDir,
		passphrase:   append([]byte(nil), passphrase...),
		ratchets:     make(map[string]*ratchet.Ratchet),
		helloPending: make(map[string][]byte),
		channels:     make(map[uint32]*channelCrypto),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	if m.identity == nil {
		var err error
		if m.identity, err = prekey.NewIdentity(rand); err != nil {
			return nil, err
		}
		m.log.Notice("Generated new identity")
	}

	// One-time pre-keys are not persisted: the server forgets our
	// bundle the moment we disconnect, so a fresh pool per run costs
	// nothing and leaves no stale secrets on disk.
	var err error
	if m.pool, err = prekey.NewPool(rand, m.identity); err != nil {
		return nil, err
	}
	if m.archive == nil {
		m.archive = vault.NewArchive()
	}
	return m, nil
}

// Fingerprint identifies this client's long-term keys for manual
// verification.
func (m *Messaging) Fingerprint() [32]byte {
	m.Lock()
	defer m.Unlock()
	return m.identity.Fingerprint()
}

// Archive exposes the local message history.
func (m *Messaging) Archive() *vault.Archive {
	m.Lock()
	defer m.Unlock()
	return m.archive
}

func (m *Messaging) destroy() {
	m.Lock()
	defer m.Unlock()
	for _, r := range m.ratchets {
		r.Destroy()
	}
	for _, cc := range m.channels {
		cc.destroy()
	}
	m.channels = make(map[uint32]*channelCrypto)
	m.identity.Destroy()
	for i := range m.passphrase {
		m.passphrase[i] = 0
	}
}

// peerName resolves a user ID to the stable session key.  Usernames
// survive reconnects and server restarts; user IDs do not.
func (m *Messaging) peerName(userID uint32) (string, error) {
	u, ok := m.c.roster.User(userID)
	if !ok {
		return "", ErrUnknownPeer
	}
	return u.Username, nil
}

// uploadBundle publishes the pre-key bundle after every handshake.
func (m *Messaging) uploadBundle() {
	m.Lock()
	bundle := m.pool.BundleData()
	m.Unlock()
	if err := m.c.send(&commands.UploadPreKeyBundle{Bundle: *bundle}); err != nil {
		m.log.Warningf("Failed to upload pre-key bundle: %v", err)
	}
}

// replenishPreKeys publishes a fresh batch when the server reports
// depletion.
func (m *Messaging) replenishPreKeys() {
	m.Lock()
	keys, err := m.pool.Replenish(preKeyBatch)
	m.Unlock()
	if err != nil {
		m.log.Errorf("Failed to replenish pre-keys: %v", err)
		return
	}
	if err := m.c.send(&commands.UploadPreKeys{Keys: keys}); err != nil {
		m.log.Warningf("Failed to upload pre-keys: %v", err)
	}
}

// ensureRatchet returns the pairwise ratchet with peerID, running the
// X3DH initiation if none exists.  It must not be called from the read
// loop.
func (m *Messaging) ensureRatchet(peerID uint32) (string, *ratchet.Ratchet, error) {
	name, err := m.peerName(peerID)
	if err != nil {
		return "", nil, err
	}

	m.Lock()
	if r, ok := m.ratchets[name]; ok {
		m.Unlock()
		return name, r, nil
	}
	m.Unlock()

	reply, err := m.c.request(&commands.FetchPreKeyBundle{UserID: peerID}, func(cmd commands.Command) bool {
		if b, ok := cmd.(*commands.PreKeyBundle); ok {
			return b.UserID == peerID
		}
		_, isErr := cmd.(*commands.Error)
		return isErr
	})
	if err != nil {
		return "", nil, err
	}
	bundle := reply.(*commands.PreKeyBundle)
	if bundle.OneTimePreKey == nil {
		// Reduced forward secrecy for this session only.
		m.log.Warningf("No one-time pre-key for %q, continuing without", name)
	}

	m.Lock()
	defer m.Unlock()
	if r, ok := m.ratchets[name]; ok {
		// The peer initiated concurrently.
		return name, r, nil
	}

	secret, hello, err := prekey.Initiate(m.rand, m.identity, bundle)
	if err != nil {
		return "", nil, err
	}
	r, err := ratchet.NewInitiator(m.rand, secret, &bundle.SignedPreKey)
	if err != nil {
		return "", nil, err
	}
	helloBytes, err := hello.Marshal()
	if err != nil {
		r.Destroy()
		return "", nil, err
	}
	m.ratchets[name] = r
	m.helloPending[name] = helloBytes
	m.log.Noticef("Established session with %q", name)
	return name, r, nil
}

// sealTo encrypts one inner payload to peerID under the pairwise
// ratchet, attaching the X3DH hello on the session-opening message.
func (m *Messaging) sealTo(peerID uint32, p *payload) ([]byte, error) {
	name, r, err := m.ensureRatchet(peerID)
	if err != nil {
		return nil, err
	}

	inner, err := cbor.Marshal(p)
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()
	env := &envelope{Hello: m.helloPending[name]}
	env.Body, err = r.Encrypt(nil, inner)
	if err != nil {
		return nil, err
	}
	// The hello rides along until the peer demonstrably has the
	// session, which we learn from their first ciphertext.
	blob, err := cbor.Marshal(env)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// openFrom decrypts one inbound pairwise ciphertext, creating the
// responder side of the session when a hello is attached.
func (m *Messaging) openFrom(senderID uint32, blob []byte) (*payload, error) {
	name, err := m.peerName(senderID)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return nil, commands.ErrMalformedFrame
	}

	m.Lock()
	defer m.Unlock()

	r, ok := m.ratchets[name]
	if !ok {
		if env.Hello == nil {
			return nil, ErrNoSession
		}
		hello, err := prekey.UnmarshalHello(env.Hello)
		if err != nil {
			return nil, err
		}
		secret, err := prekey.Respond(m.identity, m.pool, hello)
		if err != nil {
			return nil, err
		}
		spkPriv, err := m.pool.SignedPreKeyPrivate(hello.SignedPreKeyID)
		if err != nil {
			return nil, err
		}
		if r, err = ratchet.NewResponder(m.rand, secret, spkPriv); err != nil {
			return nil, err
		}
		m.ratchets[name] = r
		m.log.Noticef("Accepted session from %q", name)
	}

	inner, err := r.Decrypt(env.Body)
	if err != nil {
		return nil, err
	}
	// The peer has the session; stop attaching our hello.
	delete(m.helloPending, name)

	p := new(payload)
	if err := cbor.Unmarshal(inner, p); err != nil {
		return nil, commands.ErrMalformedFrame
	}
	return p, nil
}

// SendDirectMessage encrypts and sends a DM, archiving it locally.
func (m *Messaging) SendDirectMessage(peerID uint32, body string) error {
	name, err := m.peerName(peerID)
	if err != nil {
		return err
	}
	now := time.Now()
	blob, err := m.sealTo(peerID, &payload{
		Kind:      payloadChat,
		Body:      []byte(body),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := m.c.send(&commands.SendEncryptedDirectMessage{UserID: peerID, Ciphertext: blob}); err != nil {
		return err
	}

	m.Lock()
	m.archive.Append(name, vault.Message{
		From:      m.c.cfg.Server.Username,
		Body:      body,
		Timestamp: now.UnixMilli(),
		Outgoing:  true,
	})
	m.Unlock()
	return nil
}

// SendPoke encrypts and sends an attention poke.
func (m *Messaging) SendPoke(peerID uint32, body string) error {
	blob, err := m.sealTo(peerID, &payload{Kind: payloadPoke, Body: []byte(body)})
	if err != nil {
		return err
	}
	return m.c.send(&commands.SendEncryptedPoke{UserID: peerID, Ciphertext: blob})
}

// SendChannelMessage seals a chat message under our channel sender key
// and fans it out through the relay.
func (m *Messaging) SendChannelMessage(body string) error {
	channelID := m.c.roster.SelfChannel()
	if channelID == 0 {
		// No sender keys in the lobby.
		return ErrNoSession
	}
	now := time.Now()

	m.Lock()
	cc := m.channels[channelID]
	if cc == nil || cc.sender == nil {
		m.Unlock()
		return ErrNoSession
	}
	inner, err := cbor.Marshal(&payload{
		Kind:      payloadChat,
		Body:      []byte(body),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		m.Unlock()
		return err
	}
	ct, err := cc.sender.Seal(inner)
	m.Unlock()
	if err != nil {
		return err
	}

	if err := m.c.send(&commands.SendEncryptedChannelMessage{ChannelID: channelID, Ciphertext: ct}); err != nil {
		return err
	}

	m.Lock()
	m.archive.Append(m.conversationName(channelID), vault.Message{
		From:      m.c.cfg.Server.Username,
		Body:      body,
		Timestamp: now.UnixMilli(),
		Outgoing:  true,
	})
	m.Unlock()
	return nil
}

func (m *Messaging) conversationName(channelID uint32) string {
	if ch, ok := m.c.roster.Channel(channelID); ok {
		return ch.Name
	}
	return fmt.Sprintf("channel-%d", channelID)
}

func (m *Messaging) acceptDirectMessage(t *commands.EncryptedDirectMessage) {
	p, err := m.openFrom(t.SenderID, t.Ciphertext)
	if err != nil {
		m.log.Warningf("Dropping DM from %d: %v", t.SenderID, err)
		return
	}
	if p.Kind != payloadChat {
		m.log.Warningf("Dropping DM from %d: unexpected kind %d", t.SenderID, p.Kind)
		return
	}

	name, err := m.peerName(t.SenderID)
	if err != nil {
		return
	}
	m.Lock()
	m.archive.Append(name, vault.Message{
		From:      name,
		Body:      string(p.Body),
		Timestamp: p.Timestamp,
	})
	m.Unlock()
	conversation := name
	m.c.emit(MessageEvent{
		Conversation: conversation,
		SenderID:     t.SenderID,
		Body:         string(p.Body),
		Timestamp:    time.UnixMilli(p.Timestamp),
	})
}

func (m *Messaging) acceptPoke(t *commands.EncryptedPoke) {
	p, err := m.openFrom(t.SenderID, t.Ciphertext)
	if err != nil || p.Kind != payloadPoke {
		m.log.Warningf("Dropping poke from %d: %v", t.SenderID, err)
		return
	}
	m.c.emit(PokeEvent{SenderID: t.SenderID, Body: string(p.Body)})
}

func (m *Messaging) acceptChannelMessage(t *commands.EncryptedChannelMessage) {
	m.Lock()
	cc := m.channels[t.ChannelID]
	var inner []byte
	var err error
	if cc == nil || cc.receivers[t.SenderID] == nil {
		err = ErrNoSession
	} else {
		inner, err = cc.receivers[t.SenderID].Open(t.Ciphertext)
	}
	m.Unlock()
	if err != nil {
		m.log.Warningf("Dropping channel message from %d: %v", t.SenderID, err)
		return
	}

	p := new(payload)
	if err := cbor.Unmarshal(inner, p); err != nil || p.Kind != payloadChat {
		m.log.Warningf("Dropping channel message from %d: malformed", t.SenderID)
		return
	}

	from, err := m.peerName(t.SenderID)
	if err != nil {
		from = fmt.Sprintf("user-%d", t.SenderID)
	}
	conversation := m.conversationName(t.ChannelID)
	m.Lock()
	m.archive.Append(conversation, vault.Message{
		From:      from,
		Body:      string(p.Body),
		Timestamp: p.Timestamp,
	})
	m.Unlock()
	m.c.emit(MessageEvent{
		Conversation: conversation,
		SenderID:     t.SenderID,
		Body:         string(p.Body),
		Timestamp:    time.UnixMilli(p.Timestamp),
	})
}

func (m *Messaging) acceptSenderKey(t *commands.SenderKeyReceived) {
	p, err := m.openFrom(t.SenderID, t.Ciphertext)
	if err != nil || p.Kind != payloadSenderKey {
		m.log.Warningf("Dropping sender key from %d: %v", t.SenderID, err)
		return
	}
	var body senderKeyBody
	if err := cbor.Unmarshal(p.Body, &body); err != nil {
		m.log.Warningf("Dropping sender key from %d: malformed", t.SenderID)
		return
	}
	dist, err := group.UnmarshalDistribution(body.Dist)
	if err != nil {
		m.log.Warningf("Dropping sender key from %d: %v", t.SenderID, err)
		return
	}

	m.Lock()
	cc := m.ensureChannelLocked(body.ChannelID)
	if old := cc.receivers[t.SenderID]; old != nil {
		old.Destroy()
	}
	cc.receivers[t.SenderID] = group.NewReceiver(dist)
	m.Unlock()
	m.log.Debugf("Installed sender key from %d for channel %d", t.SenderID, body.ChannelID)
}

func (m *Messaging) acceptMediaKey(t *commands.MediaKeyReceived) {
	p, err := m.openFrom(t.SenderID, t.Ciphertext)
	if err != nil || p.Kind != payloadMediaKey {
		m.log.Warningf("Dropping media key from %d: %v", t.SenderID, err)
		return
	}
	var body mediaKeyBody
	if err := cbor.Unmarshal(p.Body, &body); err != nil {
		m.log.Warningf("Dropping media key from %d: malformed", t.SenderID)
		return
	}

	// mediakey.New wipes its input, so the tx copy is taken first.
	txMaterial := append([]byte(nil), body.Key...)
	k, err := mediakey.New(t.Generation, body.Key)
	if err != nil {
		for i := range txMaterial {
			txMaterial[i] = 0
		}
		m.log.Warningf("Dropping media key from %d: %v", t.SenderID, err)
		return
	}

	m.Lock()
	defer m.Unlock()
	cc := m.ensureChannelLocked(body.ChannelID)
	if t.Generation <= cc.lastGen {
		// Replayed or late rotation; the ring already has it.
		for i := range txMaterial {
			txMaterial[i] = 0
		}
		k.Destroy()
		return
	}
	cc.lastGen = t.Generation
	cc.ring.Add(k)
	// Everyone encrypts under the newest generation.
	txKey, err := mediakey.New(t.Generation, txMaterial)
	if err != nil {
		return
	}
	m.installTxKeyLocked(cc, txKey)
	m.log.Debugf("Media key rotated to generation %d for channel %d", t.Generation, body.ChannelID)
}

func (m *Messaging) installTxKeyLocked(cc *channelCrypto, txKey *mediakey.Key) {
	if cc.mediaTx == nil {
		cc.mediaTx = mediakey.NewSender(txKey)
		return
	}
	if err := cc.mediaTx.Rotate(txKey); err != nil {
		txKey.Destroy()
	}
}

func (m *Messaging) ensureChannelLocked(channelID uint32) *channelCrypto {
	cc := m.channels[channelID]
	if cc == nil {
		cc = &channelCrypto{
			receivers: make(map[uint32]*group.Receiver),
			ring:      mediakey.NewRing(mediaRingDepth),
		}
		m.channels[channelID] = cc
	}
	return cc
}

// onSelfMoved tears down the old channel's crypto and establishes the
// new one's.
func (m *Messaging) onSelfMoved(oldChannel, newChannel uint32) {
	m.Lock()
	if cc := m.channels[oldChannel]; cc != nil {
		cc.destroy()
		delete(m.channels, oldChannel)
	}
	m.Unlock()

	if newChannel == 0 {
		return
	}

	members := m.otherMembers(newChannel)

	m.Lock()
	cc := m.ensureChannelLocked(newChannel)
	sender, err := group.NewSender(m.rand)
	if err != nil {
		m.Unlock()
		m.log.Errorf("Failed to create sender key: %v", err)
		return
	}
	if cc.sender != nil {
		cc.sender.Destroy()
	}
	cc.sender = sender
	dist := sender.Distribution()
	m.Unlock()

	for _, uid := range members {
		m.distributeSenderKey(newChannel, dist, uid)
	}
	if m.isKeyHolder(newChannel) {
		m.rotateMediaKey(newChannel)
	}
}

// onMemberJoined hands the new member our sender key and, when we hold
// the media key, rotates it for the changed membership.
func (m *Messaging) onMemberJoined(channelID, userID uint32) {
	m.Lock()
	cc := m.channels[channelID]
	var dist *group.Distribution
	if cc != nil && cc.sender != nil {
		dist = cc.sender.Distribution()
	}
	m.Unlock()

	if dist != nil {
		m.distributeSenderKey(channelID, dist, userID)
	}
	if m.isKeyHolder(channelID) {
		m.rotateMediaKey(channelID)
	}
}

// onMemberLeft resets our sender key so the departed member cannot
// read future chat, and rotates the media key likewise.
func (m *Messaging) onMemberLeft(channelID, userID uint32) {
	m.Lock()
	cc := m.channels[channelID]
	var dist *group.Distribution
	if cc != nil {
		if old := cc.receivers[userID]; old != nil {
			old.Destroy()
			delete(cc.receivers, userID)
		}
		if cc.sender != nil {
			if err := cc.sender.Reset(); err != nil {
				m.Unlock()
				m.log.Errorf("Failed to reset sender key: %v", err)
				return
			}
			dist = cc.sender.Distribution()
		}
	}
	m.Unlock()

	if dist != nil {
		for _, uid := range m.otherMembers(channelID) {
			m.distributeSenderKey(channelID, dist, uid)
		}
	}
	if m.isKeyHolder(channelID) {
		m.rotateMediaKey(channelID)
	}
}

// otherMembers lists the channel's members excluding ourselves.
func (m *Messaging) otherMembers(channelID uint32) []uint32 {
	self := m.c.SelfID()
	var out []uint32
	for _, u := range m.c.roster.ChannelMembers(channelID) {
		if u.UserID != self {
			out = append(out, u.UserID)
		}
	}
	return out
}

// isKeyHolder reports whether this client is responsible for the
// channel's media key: the creator while present, else the member with
// the lowest ID.
func (m *Messaging) isKeyHolder(channelID uint32) bool {
	self := m.c.SelfID()
	ch, ok := m.c.roster.Channel(channelID)
	if !ok {
		return false
	}
	members := m.c.roster.ChannelMembers(channelID)
	lowest := self
	for _, u := range members {
		if u.UserID == ch.CreatedBy {
			return ch.CreatedBy == self
		}
		if u.UserID < lowest {
			lowest = u.UserID
		}
	}
	return lowest == self
}

func (m *Messaging) distributeSenderKey(channelID uint32, dist *group.Distribution, userID uint32) {
	distBytes, err := dist.Marshal()
	if err != nil {
		m.log.Errorf("Failed to marshal distribution: %v", err)
		return
	}
	body, err := cbor.Marshal(&senderKeyBody{ChannelID: channelID, Dist: distBytes})
	if err != nil {
		m.log.Errorf("Failed to marshal sender key body: %v", err)
		return
	}
	blob, err := m.sealTo(userID, &payload{Kind: payloadSenderKey, Body: body})
	if err != nil {
		m.log.Warningf("Failed to seal sender key for %d: %v", userID, err)
		return
	}
	if err := m.c.send(&commands.DistributeSenderKey{UserID: userID, Ciphertext: blob}); err != nil {
		m.log.Warningf("Failed to send sender key to %d: %v", userID, err)
	}
}

// rotateMediaKey generates the next generation and distributes it to
// every member through the pairwise sessions.  Transmit switches to
// the new generation immediately; receivers hold the prior generation
// in their ring, so media sealed before a peer installs the new key
// still decrypts.
func (m *Messaging) rotateMediaKey(channelID uint32) {
	m.Lock()
	cc := m.ensureChannelLocked(channelID)
	cc.lastGen++
	gen := cc.lastGen
	k, err := mediakey.Generate(gen)
	if err != nil {
		m.Unlock()
		m.log.Errorf("Failed to generate media key: %v", err)
		return
	}
	keyBytes := append([]byte(nil), k.Bytes()...)
	txMaterial := append([]byte(nil), k.Bytes()...)
	cc.ring.Add(k)
	txKey, err := mediakey.New(gen, txMaterial)
	if err != nil {
		m.Unlock()
		return
	}
	m.installTxKeyLocked(cc, txKey)
	m.Unlock()

	for _, uid := range m.otherMembers(channelID) {
		body, err := cbor.Marshal(&mediaKeyBody{ChannelID: channelID, Key: keyBytes})
		if err != nil {
			continue
		}
		blob, err := m.sealTo(uid, &payload{Kind: payloadMediaKey, Body: body})
		if err != nil {
			m.log.Warningf("Failed to seal media key for %d: %v", uid, err)
			continue
		}
		cmd := &commands.DistributeMediaKey{UserID: uid, Generation: gen, Ciphertext: blob}
		if err := m.c.send(cmd); err != nil {
			m.log.Warningf("Failed to send media key to %d: %v", uid, err)
		}
	}
	for i := range keyBytes {
		keyBytes[i] = 0
	}
	m.log.Noticef("Rotated media key for channel %d to generation %d", channelID, gen)
}

// MediaSender returns the sequence-tracking encryptor for our outbound
// media in channelID.
func (m *Messaging) MediaSender(channelID uint32) (*mediakey.Sender, error) {
	m.Lock()
	defer m.Unlock()
	cc := m.channels[channelID]
	if cc == nil || cc.mediaTx == nil {
		return nil, ErrNoMediaKey
	}
	return cc.mediaTx, nil
}

// MaybeRotateMediaKey rotates when the sequence space is nearly
// exhausted and we hold the key.
func (m *Messaging) MaybeRotateMediaKey(channelID uint32) {
	m.Lock()
	cc := m.channels[channelID]
	needs := cc != nil && cc.mediaTx != nil && cc.mediaTx.ShouldRotate()
	m.Unlock()
	if needs && m.isKeyHolder(channelID) {
		m.rotateMediaKey(channelID)
	}
}

// OpenVoicePacket decrypts an inbound voice payload, trying the held
// key generations newest first.
func (m *Messaging) OpenVoicePacket(p *packet.VoicePacket) ([]byte, error) {
	return m.openMedia(p.ChannelID, func(k *mediakey.Key) ([]byte, error) {
		return k.OpenVoice(&p.Header, p.Payload)
	})
}

// OpenVideoPacket decrypts an inbound video fragment.
func (m *Messaging) OpenVideoPacket(p *packet.VideoPacket) ([]byte, error) {
	return m.openMedia(p.ChannelID, func(k *mediakey.Key) ([]byte, error) {
		return k.OpenVideo(&p.Header, p.FrameID, p.FragmentIndex, p.Payload)
	})
}

func (m *Messaging) openMedia(channelID uint32, open func(*mediakey.Key) ([]byte, error)) ([]byte, error) {
	m.Lock()
	cc := m.channels[channelID]
	m.Unlock()
	if cc == nil {
		return nil, ErrNoMediaKey
	}
	for _, gen := range cc.ring.Generations() {
		k, err := cc.ring.Get(gen)
		if err != nil {
			continue
		}
		if pt, err := open(k); err == nil {
			return pt, nil
		}
	}
	return nil, mediakey.ErrOpenFailed
}
