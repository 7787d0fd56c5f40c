package snapshot

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator derives snapshot ids from the question text, the clock and a
// per-process counter. A random per-process nonce keeps two processes that
// share a database apart even when their clocks and counters agree.
type IDGenerator struct {
	counter atomic.Uint64
	nonce   string
	now     func() time.Time
}

func NewIDGenerator() *IDGenerator {
	var b [4]byte
	rand.Read(b[:])
	return &IDGenerator{nonce: hex.EncodeToString(b[:]), now: time.Now}
}

// New returns a fresh id for content.
func (g *IDGenerator) New(content string) string {
	sum := sha256.Sum256([]byte(content))
	n := g.counter.Add(1)
	return hex.EncodeToString(sum[:8]) + "-" +
		strconv.FormatInt(g.now().UnixNano(), 36) + "-" +
		g.nonce + strconv.FormatUint(n, 36)
}
