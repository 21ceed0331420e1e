// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package vault

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessagesPerConversation caps archive growth; the oldest entries
// are dropped first.
const MaxMessagesPerConversation = 500

// Message is one archived chat line.
type Message struct {
	From      string
	Body      string
	Timestamp int64
	Outgoing  bool
}

// Archive is the decrypted chat history, a map from conversation ID
// (a channel name or a peer username) to its messages, oldest first.
type Archive struct {
	Conversations map[string][]Message
}

// NewArchive builds an empty archive.
func NewArchive() *Archive {
	return &Archive{Conversations: make(map[string][]Message)}
}

// Append adds a message, evicting the oldest past the cap.
func (a *Archive) Append(conversation string, m Message) {
	msgs := append(a.Conversations[conversation], m)
	if len(msgs) > MaxMessagesPerConversation {
		msgs = msgs[len(msgs)-MaxMessagesPerConversation:]
	}
	a.Conversations[conversation] = msgs
}

// Messages returns a conversation's history, oldest first.
func (a *Archive) Messages(conversation string) []Message {
	return a.Conversations[conversation]
}

// Save seals the archive to path under passphrase.
func (a *Archive) Save(rand io.Reader, path string, passphrase []byte) error {
	pt, err := cbor.Marshal(a)
	if err != nil {
		return err
	}
	defer func() {
		for i := range pt {
			pt[i] = 0
		}
	}()
	return SealToFile(rand, path, MagicArchive, passphrase, pt)
}

// LoadArchive opens an archive file.
func LoadArchive(path string, passphrase []byte) (*Archive, error) {
	pt, err := OpenFromFile(path, MagicArchive, passphrase)
	if err != nil {
		return nil, err
	}
	a := NewArchive()
	if err := cbor.Unmarshal(pt, a); err != nil {
		return nil, ErrBadFormat
	}
	if a.Conversations == nil {
		a.Conversations = make(map[string][]Message)
	}
	for i := range pt {
		pt[i] = 0
	}
	return a, nil
}
