package boundary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hardConstraint(name, expr string) Constraint {
	return Constraint{
		Name:       name,
		Kind:       KindHard,
		Expr:       expr,
		Activation: Activation{Always: true},
	}
}

func TestInstallAndGet(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	b := &Boundary{
		Name:        "no-pii-export",
		Version:     "1.0.0",
		Constraints: []Constraint{hardConstraint("no-pii-export", `!("email" in payload.fields)`)},
	}
	require.NoError(t, s.Install(b))

	got, err := s.Get("no-pii-export")
	require.NoError(t, err)
	assert.Equal(t, "no-pii-export@1.0.0", got.Ref())
}

func TestGetUnknown(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)
	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownBoundary)
}

func TestInstallRequiresNewerVersion(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	v1 := &Boundary{Name: "cost-ceiling", Version: "1.2.0",
		Constraints: []Constraint{hardConstraint("cost-ceiling", `payload.amount <= 100.0`)}}
	require.NoError(t, s.Install(v1))

	same := &Boundary{Name: "cost-ceiling", Version: "1.2.0",
		Constraints: []Constraint{hardConstraint("cost-ceiling", `payload.amount <= 50.0`)}}
	assert.ErrorIs(t, s.Install(same), ErrVersionNotNewer)

	older := &Boundary{Name: "cost-ceiling", Version: "1.1.9",
		Constraints: []Constraint{hardConstraint("cost-ceiling", `payload.amount <= 50.0`)}}
	assert.ErrorIs(t, s.Install(older), ErrVersionNotNewer)

	v2 := &Boundary{Name: "cost-ceiling", Version: "2.0.0",
		Constraints: []Constraint{hardConstraint("cost-ceiling", `payload.amount <= 50.0`)}}
	require.NoError(t, s.Install(v2))

	// Superseded version retained for audit.
	hist := s.History("cost-ceiling")
	require.Len(t, hist, 1)
	assert.Equal(t, "1.2.0", hist[0].Version)
}

func TestInstallRejectsBadExpr(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	b := &Boundary{Name: "broken", Version: "1.0.0",
		Constraints: []Constraint{hardConstraint("broken", `payload.amount <=`)}}
	assert.ErrorIs(t, s.Install(b), ErrInvalidBoundary)
}

func TestInstallRejectsBadVersionAndKind(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	assert.ErrorIs(t, s.Install(&Boundary{Name: "b", Version: "not-semver"}), ErrInvalidBoundary)

	bad := &Boundary{Name: "b", Version: "1.0.0",
		Constraints: []Constraint{{Name: "c", Kind: "medium", Expr: "true", Activation: Activation{Always: true}}}}
	assert.ErrorIs(t, s.Install(bad), ErrInvalidBoundary)
}

func TestReasonCodeDefaulting(t *testing.T) {
	s, err := NewSet()
	require.NoError(t, err)

	b := &Boundary{Name: "no-pii-export", Version: "1.0.0",
		Constraints: []Constraint{hardConstraint("no-pii-export", "true")}}
	require.NoError(t, s.Install(b))

	got, err := s.Get("no-pii-export")
	require.NoError(t, err)
	assert.Equal(t, "NO_PII_EXPORT", got.Constraints[0].ReasonCode)
}

func TestAuthorityThreshold(t *testing.T) {
	b := &Boundary{Name: "x", Version: "1.0.0"}
	assert.Equal(t, DefaultAuthorityThreshold, b.Threshold())

	b.AuthorityThreshold = 5
	assert.Equal(t, 5, b.Threshold())
}

func TestActivationAlways(t *testing.T) {
	a := Activation{Always: true}
	assert.True(t, a.Active(time.Now()))
}

func TestActivationSchedule(t *testing.T) {
	// Active during 22:00-23:59 and 00:00-06:59.
	a := Activation{Schedule: "* 22-23,0-6 * * *"}

	night := time.Date(2026, 4, 1, 23, 30, 0, 0, time.UTC)
	day := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	assert.True(t, a.Active(night))
	assert.False(t, a.Active(day))
}

func TestActivationInvalidScheduleRejectedAndStillActive(t *testing.T) {
	a := Activation{Schedule: "not a cron"}
	assert.Error(t, a.validate())
	assert.True(t, a.Active(time.Now()))
}

func TestActivationZeroValueAlwaysActive(t *testing.T) {
	var a Activation
	assert.True(t, a.Active(time.Now()))
}
