// Package token implements §4.F: minting and unpacking short-lived opaque
// tokens under a rotating key, using an AEAD in place of the sketched
// MAC-then-encrypt construction (§4.F notes the exact construction is an
// implementation choice; the contract is unforgeability for the key's
// retention window).
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/errs"
)

const keySize = chacha20poly1305.KeySize
const nonceSize = chacha20poly1305.NonceSize

type keyEntry struct {
	id        uint64
	key       [keySize]byte
	createdAt time.Time
}

// Handler mints and unpacks tokens. Two keys are kept live (current and
// previous) so outstanding tokens survive one rotation. Safe for
// concurrent use.
type Handler struct {
	mu          sync.Mutex
	clock       clock.Clock
	keyLifetime time.Duration
	tokenTTL    time.Duration
	current     *keyEntry
	previous    *keyEntry
	generation  uint64
}

// New constructs a Handler with the given key rotation lifetime and the
// maximum lifetime a minted token's embedded issued_at may be trusted for
// before get_payload rejects it as expired.
func New(c clock.Clock, keyLifetime, tokenTTL time.Duration) (*Handler, error) {
	h := &Handler{clock: c, keyLifetime: keyLifetime, tokenTTL: tokenTTL}
	if err := h.rotateLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) rotateLocked() error {
	var k [keySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		return err
	}
	h.previous = h.current
	h.current = &keyEntry{id: h.generation, key: k, createdAt: h.clock.Now()}
	h.generation++
	return nil
}

// maybeRotateLocked rotates the current key out if its lifetime elapsed.
func (h *Handler) maybeRotateLocked() error {
	if h.current == nil || h.clock.Now().Sub(h.current.createdAt) >= h.keyLifetime {
		return h.rotateLocked()
	}
	return nil
}

// Build mints a token wrapping payload. Build treats payload as opaque
// bytes, the empty payload included; format restrictions (e.g. no "?" in
// wdx-token fields) are enforced by callers.
func (h *Handler) Build(payload string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.maybeRotateLocked(); err != nil {
		return "", errs.Internalf("key rotation", err)
	}

	aead, err := chacha20poly1305.New(h.current.key[:])
	if err != nil {
		return "", errs.Internalf("construct aead", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Internalf("generate nonce", err)
	}

	issuedAt := h.clock.Now().Unix()
	header := make([]byte, 16)
	binary.BigEndian.PutUint64(header[0:8], h.current.id)
	binary.BigEndian.PutUint64(header[8:16], uint64(issuedAt))

	ciphertext := aead.Seal(nil, nonce, []byte(payload), header)

	out := make([]byte, 0, len(header)+len(nonce)+len(ciphertext))
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// GetPayload unpacks and authenticates token, returning the original
// payload passed to Build. Fails on an unknown key id, a bad MAC/tag
// (forged or corrupted token), or an issued_at older than tokenTTL.
func (h *Handler) GetPayload(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errs.AuthFailedf("malformed token encoding")
	}
	if len(raw) < 16+nonceSize {
		return "", errs.AuthFailedf("token too short")
	}

	keyID := binary.BigEndian.Uint64(raw[0:8])
	issuedAt := int64(binary.BigEndian.Uint64(raw[8:16]))
	nonce := raw[16 : 16+nonceSize]
	ciphertext := raw[16+nonceSize:]
	header := raw[0:16]

	h.mu.Lock()
	key, ok := h.lookupKeyLocked(keyID)
	h.mu.Unlock()

	if !ok {
		return "", errs.AuthFailedf("unknown signing key")
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", errs.Internalf("construct aead", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return "", errs.AuthFailedf("token authentication failed")
	}

	issuedTime := time.Unix(issuedAt, 0)
	if h.clock.Now().Sub(issuedTime) > h.tokenTTL {
		return "", errs.AuthExpiredf("token issued_at expired")
	}

	return string(plaintext), nil
}

func (h *Handler) lookupKeyLocked(keyID uint64) ([keySize]byte, bool) {
	if h.current != nil && h.current.id == keyID {
		return h.current.key, true
	}
	if h.previous != nil && h.previous.id == keyID {
		return h.previous.key, true
	}
	return [keySize]byte{}, false
}
