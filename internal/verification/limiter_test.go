package verification

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLimiter(DefaultPolicy(), clock, FixedCode("424242")), clock
}

func failOnce(t *testing.T, l *Limiter) {
	t.Helper()
	_, err := l.StartAttempt()
	require.NoError(t, err)
	require.ErrorIs(t, l.CheckCode("000000"), ErrWrongCode)
}

func TestLimiter_HappyPath(t *testing.T) {
	l, _ := newTestLimiter(t)

	code, err := l.StartAttempt()
	require.NoError(t, err)
	assert.Equal(t, "424242", code)
	assert.True(t, l.HasActiveCode())

	require.NoError(t, l.CheckCode(code))
	assert.True(t, l.Verified())
	assert.False(t, l.HasActiveCode(), "a matched code must not be reusable")
	assert.Equal(t, 0, l.AttemptCount())
}

func TestLimiter_WrongCodeCountsAttempt(t *testing.T) {
	l, clock := newTestLimiter(t)

	_, err := l.StartAttempt()
	require.NoError(t, err)

	err = l.CheckCode("111111")
	require.ErrorIs(t, err, ErrWrongCode)
	assert.Equal(t, 1, l.AttemptCount())
	assert.Equal(t, clock.Now(), l.LastAttemptAt())
	assert.False(t, l.Verified())
	assert.True(t, l.HasActiveCode(), "code stays checkable until overwritten")
}

func TestLimiter_SuccessDoesNotTouchCounters(t *testing.T) {
	l, clock := newTestLimiter(t)
	failOnce(t, l)
	failedAt := clock.Now()

	clock.Advance(time.Minute)
	code, err := l.StartAttempt()
	require.NoError(t, err)
	require.NoError(t, l.CheckCode(code))

	assert.Equal(t, 1, l.AttemptCount())
	assert.Equal(t, failedAt, l.LastAttemptAt())
}

func TestLimiter_Boundary(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < DefaultMaxFailedAttempts; i++ {
		failOnce(t, l)
	}
	assert.True(t, l.IsAttemptAllowed(), "MAX failed attempts must still allow a new code")

	failOnce(t, l)
	assert.False(t, l.IsAttemptAllowed())
	_, err := l.StartAttempt()
	assert.ErrorIs(t, err, ErrAttemptNotAllowed)
}

func TestLimiter_CooldownResetsCounter(t *testing.T) {
	l, clock := newTestLimiter(t)
	for i := 0; i <= DefaultMaxFailedAttempts; i++ {
		failOnce(t, l)
	}

	clock.Advance(DefaultCooldown - time.Second)
	_, err := l.StartAttempt()
	require.ErrorIs(t, err, ErrAttemptNotAllowed)
	assert.Equal(t, time.Second, l.RetryAfter())

	clock.Advance(time.Second)
	assert.True(t, l.IsAttemptAllowed())
	assert.Equal(t, DefaultMaxFailedAttempts+1, l.AttemptCount(), "query must not reset the counter")

	code, err := l.StartAttempt()
	require.NoError(t, err)
	assert.Equal(t, 0, l.AttemptCount())
	require.NoError(t, l.CheckCode(code))
}

func TestLimiter_ExpiredCodeIsRejected(t *testing.T) {
	l, clock := newTestLimiter(t)

	code, err := l.StartAttempt()
	require.NoError(t, err)

	clock.Advance(DefaultCodeTTL)
	assert.ErrorIs(t, l.CheckCode(code), ErrWrongCode)
	assert.Equal(t, 1, l.AttemptCount())
}

func TestLimiter_ZeroTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	policy := DefaultPolicy()
	policy.CodeTTL = 0
	l := NewLimiter(policy, clock, FixedCode("9999"))

	code, err := l.StartAttempt()
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	assert.NoError(t, l.CheckCode(code))
}

func TestLimiter_CheckWithoutCode(t *testing.T) {
	l, _ := newTestLimiter(t)
	assert.ErrorIs(t, l.CheckCode(""), ErrWrongCode)
	assert.Equal(t, 1, l.AttemptCount())
}

func TestLimiter_GeneratorFailure(t *testing.T) {
	boom := errors.New("entropy exhausted")
	l := NewLimiter(DefaultPolicy(), nil, func() (string, error) { return "", boom })

	_, err := l.StartAttempt()
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.HasActiveCode())
}

func TestLimiter_SnapshotRestore(t *testing.T) {
	l, clock := newTestLimiter(t)
	failOnce(t, l)
	_, err := l.StartAttempt()
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.NotContains(t, snap.CodeHash, "424242")
	assert.Len(t, snap.CodeHash, 64)

	restored, err := Restore(snap, DefaultPolicy(), clock, FixedCode("424242"))
	require.NoError(t, err)
	assert.Equal(t, 1, restored.AttemptCount())
	assert.True(t, restored.HasActiveCode())
	assert.NoError(t, restored.CheckCode("424242"))
}

func TestRestore_RejectsCorruptSnapshot(t *testing.T) {
	_, err := Restore(Snapshot{CodeHash: "zz"}, DefaultPolicy(), nil, nil)
	assert.Error(t, err)

	_, err = Restore(Snapshot{CodeHash: "abcd"}, DefaultPolicy(), nil, nil)
	assert.Error(t, err)

	_, err = Restore(Snapshot{AttemptCount: -1}, DefaultPolicy(), nil, nil)
	assert.Error(t, err)
}

func TestRandomDigits(t *testing.T) {
	gen := RandomDigits(6)
	for i := 0; i < 20; i++ {
		code, err := gen()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "code must be numeric: %q", code)
		}
	}

	_, err := RandomDigits(2)()
	assert.Error(t, err)
}
