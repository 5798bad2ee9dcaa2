package lineage

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/contracts"
)

func testRecord(actionID string, phase contracts.Phase, verdict contracts.VerdictKind) contracts.DecisionRecord {
	return contracts.DecisionRecord{
		ActionID:   actionID,
		ActionType: "outbound-message",
		Phase:      phase,
		Verdict:    verdict,
		Level:      contracts.LevelL1,
	}
}

func TestAppendAssignsChainFields(t *testing.T) {
	l := NewLedger(WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))

	pos, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos)

	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, genesisHash, rec.PreviousHash)
	assert.True(t, strings.HasPrefix(rec.Hash, "sha256:"))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, rec.Hash, l.Head())
}

func TestAppendLinksSuccessors(t *testing.T) {
	l := NewLedger()

	_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.NoError(t, err)
	_, err = l.Append(testRecord("act-1", contracts.PhaseIntentAuthorized, contracts.VerdictAuthorized))
	require.NoError(t, err)
	_, err = l.Append(testRecord("act-2", contracts.PhaseProposed, contracts.VerdictRejected))
	require.NoError(t, err)

	first, _ := l.Get(1)
	second, _ := l.Get(2)
	third, _ := l.Get(3)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, second.Hash, third.PreviousHash)
	assert.Equal(t, uint64(3), l.Length())
	require.NoError(t, l.VerifyAll())
}

func TestAppendRejectsStaleHead(t *testing.T) {
	l := NewLedger()

	_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.NoError(t, err)
	head := l.Head()

	// First writer advances the head.
	_, err = l.Append(testRecord("act-2", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.NoError(t, err)

	// Second writer asserts the head it saw before the race; it must be
	// rejected rather than silently reordered.
	stale := testRecord("act-3", contracts.PhaseProposed, contracts.VerdictAuthorized)
	stale.PreviousHash = head
	_, err = l.Append(stale)
	require.ErrorIs(t, err, ErrStaleHead)
	assert.Equal(t, uint64(2), l.Length())
}

func TestConcurrentAppendsSingleOrdering(t *testing.T) {
	l := NewLedger()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(32), l.Length())
	require.NoError(t, l.VerifyAll())

	recs, err := l.Range(1, 0)
	require.NoError(t, err)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestVerifyDetectsContentTamper(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 5; i++ {
		_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
		require.NoError(t, err)
	}

	rec, err := l.Get(3)
	require.NoError(t, err)
	rec.Verdict = contracts.VerdictRejected
	l.tamperRecord(3, rec)

	err = l.VerifyAll()
	var tamper *TamperError
	require.ErrorAs(t, err, &tamper)
	assert.Equal(t, uint64(3), tamper.Position)

	// A range that excludes the altered record still verifies its links.
	require.NoError(t, l.Verify(4, 5))
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	l := NewLedger(WithHashAlgorithm("sha256"))
	for i := 0; i < 4; i++ {
		_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
		require.NoError(t, err)
	}

	// Rewrite record 2 consistently with itself but not with its
	// predecessor, simulating a spliced chain segment.
	rec, err := l.Get(2)
	require.NoError(t, err)
	rec.PreviousHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	rec.Hash, err = chainHash("sha256", rec)
	require.NoError(t, err)
	l.tamperRecord(2, rec)

	err = l.VerifyAll()
	var tamper *TamperError
	require.ErrorAs(t, err, &tamper)
	assert.Equal(t, uint64(2), tamper.Position)
}

func TestVerifyRange(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 6; i++ {
		_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
		require.NoError(t, err)
	}

	require.NoError(t, l.Verify(2, 5))
	require.NoError(t, l.Verify(6, 6))

	err := l.Verify(4, 9)
	require.ErrorIs(t, err, ErrOutOfRange)
	err = l.Verify(0, 3)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestVerifyEmptyLedger(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.VerifyAll())
}

func TestByActionReturnsChainOrder(t *testing.T) {
	l := NewLedger()
	phases := []contracts.Phase{
		contracts.PhaseProposed,
		contracts.PhaseIntentAuthorized,
		contracts.PhaseExecutionAuthorized,
	}
	for _, p := range phases {
		_, err := l.Append(testRecord("act-1", p, contracts.VerdictAuthorized))
		require.NoError(t, err)
		_, err = l.Append(testRecord("act-2", p, contracts.VerdictAuthorized))
		require.NoError(t, err)
	}

	recs := l.ByAction("act-1")
	require.Len(t, recs, 3)
	for i, p := range phases {
		assert.Equal(t, p, recs[i].Phase)
	}
	assert.Empty(t, l.ByAction("act-9"))
}

func TestHashAlgorithmOption(t *testing.T) {
	l := NewLedger(WithHashAlgorithm("sha512"))
	_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.NoError(t, err)

	rec, err := l.Get(1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Hash, "sha512:"))
	require.NoError(t, l.VerifyAll())
}

type failingStore struct{ err error }

func (s *failingStore) Persist(contracts.DecisionRecord) error { return s.err }

func TestStoreFailureRejectsAppend(t *testing.T) {
	boom := errors.New("disk full")
	l := NewLedger(WithStore(&failingStore{err: boom}))

	_, err := l.Append(testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), l.Length())
	assert.Equal(t, genesisHash, l.Head())
}
