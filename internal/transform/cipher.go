package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/keyepoch"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/logger"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/pkg/types"
	"golang.org/x/crypto/hkdf"
)

// Trailer layout appended after the ciphertext:
//
//	[plaintext prefix][ciphertext + GCM tag][key id: 4 bytes LE][IV: 12 bytes]
const (
	KeyIDSize   = 4
	IVSize      = 12
	TrailerSize = KeyIDSize + IVSize
	tagSize     = 16

	maxCachedAEADs = 16
)

var hkdfInfo = []byte("frame-transform")

// SelectiveCipher encrypts everything after the plaintext prefix with
// AES-256-GCM. The prefix is authenticated but left readable so middleboxes
// can still classify the frame.
//
// When no key is set frames go out unencrypted.
type SelectiveCipher struct {
	keys   *keyepoch.State
	random io.Reader

	mu    sync.Mutex
	aeads map[uint32]cipher.AEAD
}

// NewSelectiveCipher creates a cipher rewriter reading keys from keys.
// random supplies IVs; nil selects crypto/rand.
func NewSelectiveCipher(keys *keyepoch.State, random io.Reader) *SelectiveCipher {
	if random == nil {
		random = rand.Reader
	}
	return &SelectiveCipher{
		keys:   keys,
		random: random,
		aeads:  make(map[uint32]cipher.AEAD),
	}
}

func (c *SelectiveCipher) Name() string {
	return ModeCipher
}

// Encode seals the payload under the current key and appends the trailer
func (c *SelectiveCipher) Encode(frame *types.EncodedFrame) Outcome {
	if frame.IsAudio() {
		return OutcomeAudioBypass
	}

	epoch := c.keys.Snapshot()
	if !epoch.HasKey() {
		return OutcomeMissingKey
	}

	prefix := PlaintextPrefixLength(frame.Type, epoch.UseOffset)
	if len(frame.Payload) < prefix {
		return OutcomeShortFrame
	}

	aead, err := c.aead(epoch.ID, epoch.Key)
	if err != nil {
		logger.Warn("Cipher", "Key %d unusable: %v", epoch.ID, err)
		return OutcomeMissingKey
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		logger.Warn("Cipher", "IV generation failed: %v", err)
		return OutcomePassthrough
	}

	payload := frame.Payload
	out := make([]byte, 0, len(payload)+tagSize+TrailerSize)
	out = append(out, payload[:prefix]...)
	out = aead.Seal(out, iv, payload[prefix:], payload[:prefix])
	out = binary.LittleEndian.AppendUint32(out, epoch.ID)
	out = append(out, iv...)

	frame.Payload = out
	return OutcomeEncrypted
}

// Decode strips the trailer and restores the original payload
func (c *SelectiveCipher) Decode(frame *types.EncodedFrame) Outcome {
	if frame.IsAudio() {
		return OutcomeAudioBypass
	}

	prefix := PlaintextPrefixLength(frame.Type, c.keys.UseOffset())
	body, keyID, iv, err := splitTrailer(frame.Payload, prefix)
	if err != nil {
		return OutcomeShortFrame
	}

	key, ok := c.keys.KeyFor(keyID)
	if !ok {
		logger.Debug("Cipher", "%v %d", ErrUnknownKey, keyID)
		return OutcomeMissingKey
	}

	aead, err := c.aead(keyID, key)
	if err != nil {
		logger.Warn("Cipher", "Key %d unusable: %v", keyID, err)
		return OutcomeMissingKey
	}

	plain, err := aead.Open(nil, iv, body[prefix:], body[:prefix])
	if err != nil {
		logger.Debug("Cipher", "Decrypt failed (key=%d len=%d): %v", keyID, len(frame.Payload), err)
		return OutcomeDecryptFailed
	}

	out := make([]byte, 0, prefix+len(plain))
	out = append(out, body[:prefix]...)
	out = append(out, plain...)
	frame.Payload = out
	return OutcomeDecrypted
}

// splitTrailer separates an encrypted payload into body, key id and IV.
// body still carries the plaintext prefix.
func splitTrailer(payload []byte, prefix int) (body []byte, keyID uint32, iv []byte, err error) {
	n := len(payload)
	if n < prefix+tagSize+TrailerSize {
		return nil, 0, nil, fmt.Errorf("%w: %d bytes", ErrTrailerTooShort, n)
	}
	iv = payload[n-IVSize:]
	keyID = binary.LittleEndian.Uint32(payload[n-TrailerSize : n-IVSize])
	body = payload[:n-TrailerSize]
	return body, keyID, iv, nil
}

func (c *SelectiveCipher) aead(id uint32, key []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.aeads[id]; ok {
		return a, nil
	}

	a, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(c.aeads) >= maxCachedAEADs {
		clear(c.aeads)
	}
	c.aeads[id] = a
	return a, nil
}

// newAEAD derives a 256-bit AES key from opaque key material
func newAEAD(material []byte) (cipher.AEAD, error) {
	if len(material) == 0 {
		return nil, errors.New("empty key material")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
