package relaycell

import (
	cryptorand "crypto/rand"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// paddingRNG is a fast CSPRNG used to fill cell padding. Reading the
// kernel entropy pool for every cell would be needlessly slow, so a
// ChaCha20 keystream seeded once from crypto/rand is used instead.
type paddingRNG struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewPaddingRNG creates a CSPRNG suitable for the rng argument of
// Cell.Encode. It is safe for use from multiple goroutines.
func NewPaddingRNG() (io.Reader, error) {
	var key [chacha20.KeySize]byte
	if _, err := io.ReadFull(cryptorand.Reader, key[:]); err != nil {
		return nil, err
	}
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	return &paddingRNG{cipher: c}, nil
}

// Read fills p with keystream bytes.
func (r *paddingRNG) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	r.cipher.XORKeyStream(p, p)
	return len(p), nil
}
