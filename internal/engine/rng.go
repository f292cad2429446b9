// Package engine provides the deterministic byte and float streams every
// simulation run is keyed on. The same key always yields the same stream,
// independent of process, platform or GOMAXPROCS.
package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// ByteGenerator streams bytes from HMAC-SHA256(key, "salt:nonce:round"),
// one 32-byte round at a time.
type ByteGenerator struct {
	key          string
	salt         string
	nonce        uint64
	currentRound uint64
	currentPos   int
	buffer       [32]byte
}

// NewByteGenerator creates a generator positioned at cursor bytes into the stream.
func NewByteGenerator(key, salt string, nonce uint64, cursor uint64) *ByteGenerator {
	bg := &ByteGenerator{
		key:          key,
		salt:         salt,
		nonce:        nonce,
		currentRound: cursor / 32,
		currentPos:   int(cursor % 32),
	}
	bg.generateRound()
	return bg
}

// Next returns the next byte from the generator.
func (bg *ByteGenerator) Next() byte {
	if bg.currentPos >= 32 {
		bg.currentRound++
		bg.currentPos = 0
		bg.generateRound()
	}

	b := bg.buffer[bg.currentPos]
	bg.currentPos++
	return b
}

// NextFloat consumes exactly 4 bytes and returns a float in [0, 1).
func (bg *ByteGenerator) NextFloat() float64 {
	return bytesToFloat([4]byte{bg.Next(), bg.Next(), bg.Next(), bg.Next()})
}

// NextUint64 consumes exactly 8 bytes, big-endian.
func (bg *ByteGenerator) NextUint64() uint64 {
	var b [8]byte
	for i := range b {
		b[i] = bg.Next()
	}
	return binary.BigEndian.Uint64(b[:])
}

func (bg *ByteGenerator) generateRound() {
	h := hmac.New(sha256.New, []byte(bg.key))
	message := fmt.Sprintf("%s:%d:%d", bg.salt, bg.nonce, bg.currentRound)
	h.Write([]byte(message))
	copy(bg.buffer[:], h.Sum(nil))
}

func bytesToFloat(bytes [4]byte) float64 {
	result := 0.0
	for i, b := range bytes {
		divider := math.Pow(256, float64(i+1))
		result += float64(b) / divider
	}
	return result
}

// SeedKey is the HMAC key used for a simulation seed.
func SeedKey(seed int64) string {
	return strconv.FormatInt(seed, 10)
}

// Floats generates count floats starting from the given cursor.
func Floats(key, salt string, nonce uint64, cursor uint64, count int) []float64 {
	bg := NewByteGenerator(key, salt, nonce, cursor)
	floats := make([]float64, count)
	for i := 0; i < count; i++ {
		floats[i] = bg.NextFloat()
	}
	return floats
}
