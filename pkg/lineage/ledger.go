// Package lineage is the append-only, hash-chained log of decision
// records. Append is the only mutation; verification recomputes the
// chain and localizes the first divergence. The ledger is owned by the
// governance boundary — agent-facing code never receives a reference
// to it, only record values exported through read-only queries.
package lineage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/gap/pkg/canonicalize"
	"github.com/agentplane/gap/pkg/contracts"
)

const genesisHash = "genesis"

var (
	// ErrStaleHead rejects an append whose expected predecessor is no
	// longer the chain head. Racing appenders must re-read and retry;
	// the ledger never reorders them silently.
	ErrStaleHead = errors.New("ledger head moved; append rejected")

	ErrOutOfRange = errors.New("ledger position out of range")
)

// TamperError reports the first position at which the stored chain
// diverges from the recomputed one. Everything downstream of the
// position is untrusted.
type TamperError struct {
	Position uint64
	Reason   string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("tamper detected at position %d: %s", e.Position, e.Reason)
}

// Store persists appended records behind the in-memory chain.
type Store interface {
	Persist(rec contracts.DecisionRecord) error
}

// Loader restores persisted records in chain order.
type Loader interface {
	Load() ([]contracts.DecisionRecord, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHashAlgorithm selects the chain digest ("sha256" or "sha512").
func WithHashAlgorithm(alg string) Option {
	return func(l *Ledger) { l.alg = alg }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithStore tees every append into a durable store.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// Ledger is the single ordering authority for decision records. All
// chain-affecting writes serialize through its mutex, making append
// atomic and chain order total.
type Ledger struct {
	mu      sync.Mutex
	alg     string
	records []contracts.DecisionRecord
	head    string
	store   Store
	clock   func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		alg:   "sha256",
		head:  genesisHash,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadLedger rebuilds a ledger from a durable store and verifies the
// restored chain before accepting it. A chain that fails verification
// is refused outright; a ledger never starts from tampered history.
func LoadLedger(src Loader, opts ...Option) (*Ledger, error) {
	recs, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("ledger: restore: %w", err)
	}

	l := NewLedger(opts...)
	l.records = recs
	if len(recs) > 0 {
		l.head = recs[len(recs)-1].Hash
	}
	if err := l.VerifyAll(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append chains a record and returns its 1-based position. The record's
// Sequence, PreviousHash, and Hash are assigned here; a caller that set
// PreviousHash asserts the head it observed, and a mismatch is rejected
// with ErrStaleHead rather than reordered.
func (l *Ledger) Append(rec contracts.DecisionRecord) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.PreviousHash != "" && rec.PreviousHash != l.head {
		return 0, fmt.Errorf("%w: expected %s", ErrStaleHead, rec.PreviousHash)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock()
	}
	rec.Sequence = uint64(len(l.records)) + 1
	rec.PreviousHash = l.head

	hash, err := chainHash(l.alg, rec)
	if err != nil {
		return 0, err
	}
	rec.Hash = hash

	if l.store != nil {
		if err := l.store.Persist(rec); err != nil {
			return 0, fmt.Errorf("ledger store: %w", err)
		}
	}

	l.records = append(l.records, rec)
	l.head = hash
	return rec.Sequence, nil
}

// Get returns the record at a 1-based position.
func (l *Ledger) Get(pos uint64) (contracts.DecisionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos == 0 || pos > uint64(len(l.records)) {
		return contracts.DecisionRecord{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	return l.records[pos-1], nil
}

// Range returns records for positions [from, to] inclusive. to == 0
// means "through the head".
func (l *Ledger) Range(from, to uint64) ([]contracts.DecisionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sliceLocked(from, to)
}

// ByAction returns every record for one action id, in chain order —
// the full decision chain that accompanies a terminal outcome.
func (l *Ledger) ByAction(actionID string) []contracts.DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []contracts.DecisionRecord
	for _, r := range l.records {
		if r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Length returns the number of appended records.
func (l *Ledger) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.records))
}

// Verify recomputes the chain over [from, to] (to == 0 meaning head)
// and returns a TamperError at the first divergence. A record altered
// after append fails its own hash; a broken link fails the successor.
func (l *Ledger) Verify(from, to uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.sliceLocked(from, to)
	if err != nil {
		return err
	}

	for i, rec := range recs {
		// Check linkage against the predecessor in the range, or the
		// stored predecessor hash for the range's first element.
		if i > 0 && rec.PreviousHash != recs[i-1].Hash {
			return &TamperError{Position: rec.Sequence, Reason: "chain link broken"}
		}
		if rec.Sequence == 1 && rec.PreviousHash != genesisHash {
			return &TamperError{Position: 1, Reason: "genesis link broken"}
		}

		expected, err := chainHash(l.alg, rec)
		if err != nil {
			return &TamperError{Position: rec.Sequence, Reason: "record not hashable"}
		}
		if expected != rec.Hash {
			return &TamperError{Position: rec.Sequence, Reason: "content hash mismatch"}
		}
	}
	return nil
}

// VerifyAll verifies the entire chain.
func (l *Ledger) VerifyAll() error { return l.Verify(1, 0) }

// tamperRecord overwrites a stored record in place. Only reachable from
// this package's tests; the exported surface has no mutation path.
func (l *Ledger) tamperRecord(pos uint64, rec contracts.DecisionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[pos-1] = rec
}

func (l *Ledger) sliceLocked(from, to uint64) ([]contracts.DecisionRecord, error) {
	n := uint64(len(l.records))
	if to == 0 {
		to = n
	}
	if from == 0 || from > to || to > n {
		if n == 0 && from == 1 && to == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: [%d, %d] of %d", ErrOutOfRange, from, to, n)
	}
	out := make([]contracts.DecisionRecord, to-from+1)
	copy(out, l.records[from-1:to])
	return out, nil
}

// chainHash digests the record content plus its predecessor hash. The
// record's own Hash field is excluded from the digest input.
func chainHash(alg string, rec contracts.DecisionRecord) (string, error) {
	rec.Hash = ""
	canonical, err := canonicalize.JCS(rec)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize record: %w", err)
	}
	return canonicalize.Digest(alg, append(canonical, []byte(rec.PreviousHash)...))
}
