package opengroup

import (
	"errors"
	"fmt"

	"SwarmSync/internal/account"
	"SwarmSync/internal/crypt"
)

// dmVersion prefixes every encrypted direct message.
const dmVersion = 0x00

// ErrDirectMessage is returned for a direct message that cannot be opened.
var ErrDirectMessage = errors.New("invalid direct message")

// directKey derives the symmetric key shared by sender and recipient.
// Both sides compute the same blinded point; the ids fix the direction.
func directKey(keys *account.Keys, server Server, other, sender, recipient account.ID) ([]byte, error) {
	shared, err := keys.BlindedSharedPoint(server.PubKey, other)
	if err != nil {
		return nil, err
	}

	return crypt.Hash(shared, sender[:], recipient[:]), nil
}

// EncryptDirect encrypts plaintext for a blinded recipient on server.
func (c *Client) EncryptDirect(server Server, recipient account.ID, plaintext []byte) ([]byte, error) {
	if c.keys == nil {
		return nil, ErrNoKeys
	}

	self, err := c.keys.BlindedID(server.PubKey)
	if err != nil {
		return nil, err
	}

	key, err := directKey(c.keys, server, recipient, self, recipient)
	if err != nil {
		return nil, err
	}

	ct, err := crypt.Encrypt(key, crypt.Pad(plaintext), self[:])
	if err != nil {
		return nil, err
	}

	return append([]byte{dmVersion}, ct...), nil
}

// DecryptDirect opens a direct message. fromOutbox is set for messages
// the local account sent, in which case the peer is the recipient.
func (c *Client) DecryptDirect(server Server, dm DirectMessage, data []byte, fromOutbox bool) ([]byte, error) {
	if c.keys == nil {
		return nil, ErrNoKeys
	}
	if len(data) < 2 || data[0] != dmVersion {
		return nil, fmt.Errorf("%w: bad version", ErrDirectMessage)
	}

	sender, err := account.Parse(dm.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender:\n%w", ErrDirectMessage, err)
	}
	recipient, err := account.Parse(dm.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient:\n%w", ErrDirectMessage, err)
	}

	other := sender
	if fromOutbox {
		other = recipient
	}

	key, err := directKey(c.keys, server, other, sender, recipient)
	if err != nil {
		return nil, err
	}

	padded, err := crypt.Decrypt(key, data[1:], sender[:])
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrDirectMessage, err)
	}

	return crypt.Unpad(padded)
}
