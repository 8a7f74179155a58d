package store

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out identifiers for new threads, messages and variants.
type IDGenerator interface {
	ThreadID() string
	MessageID() int64
	VariantID() string
}

// advancer is implemented by generators whose message sequence must be moved
// past ids loaded from a snapshot.
type advancer interface {
	Advance(min int64)
}

// UUIDGenerator issues UUIDv7 thread and variant ids and a monotonic message
// sequence starting at 1.
type UUIDGenerator struct {
	seq atomic.Int64
}

// NewUUIDGenerator creates the default generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

func (g *UUIDGenerator) ThreadID() string  { return uuid.Must(uuid.NewV7()).String() }
func (g *UUIDGenerator) VariantID() string { return uuid.Must(uuid.NewV7()).String() }
func (g *UUIDGenerator) MessageID() int64  { return g.seq.Add(1) }

// Advance makes sure the next message id is greater than min.
func (g *UUIDGenerator) Advance(min int64) {
	advance(&g.seq, min)
}

// SequenceGenerator issues predictable ids ("t1", 1, "v1", ...). Tests use it.
type SequenceGenerator struct {
	threads  atomic.Int64
	messages atomic.Int64
	variants atomic.Int64
}

// NewSequenceGenerator creates a deterministic generator.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{}
}

func (g *SequenceGenerator) ThreadID() string {
	return "t" + strconv.FormatInt(g.threads.Add(1), 10)
}

func (g *SequenceGenerator) MessageID() int64 {
	return g.messages.Add(1)
}

func (g *SequenceGenerator) VariantID() string {
	return "v" + strconv.FormatInt(g.variants.Add(1), 10)
}

func (g *SequenceGenerator) Advance(min int64) {
	advance(&g.messages, min)
}

func advance(seq *atomic.Int64, min int64) {
	for {
		cur := seq.Load()
		if cur >= min || seq.CompareAndSwap(cur, min) {
			return
		}
	}
}
