package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"customs/internal/customs/limits"
)

func TestEmailRecordRateLimit(t *testing.T) {
	lim := limits.DefaultLimits() // maxEmails = 3
	now := testTime()

	t.Run("fourth email in the window trips the limit", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		for i := 0; i < 3; i++ {
			assert.Zero(t, rec.Update("recoveryEmailResendCode", false, now))
		}
		retry := rec.Update("recoveryEmailResendCode", false, now)
		assert.Equal(t, lim.RateLimitIntervalSeconds, retry)
	})

	t.Run("retryAfter decreases as time passes", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		rec.RateLimit(now)
		require.Equal(t, lim.RateLimitIntervalSeconds, rec.RetryAfter(now))
		assert.Equal(t, lim.RateLimitIntervalSeconds-300, rec.RetryAfter(now.Add(5*time.Minute)))
		assert.Zero(t, rec.RetryAfter(now.Add(lim.RateLimitInterval())))
	})

	t.Run("sends while limited do not reset the ban", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		for i := 0; i < 4; i++ {
			rec.Update("recoveryEmailResendCode", false, now)
		}
		require.True(t, rec.IsRateLimited(now))

		later := now.Add(5 * time.Minute)
		retry := rec.Update("recoveryEmailResendCode", false, later)
		assert.Equal(t, lim.RateLimitIntervalSeconds-300, retry)
		assert.Len(t, rec.Hits, 4, "refused sends are not counted")
	})

	t.Run("non email-sending actions do not count", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		for i := 0; i < 10; i++ {
			assert.Zero(t, rec.Update("accountLogin", false, now))
		}
		assert.Empty(t, rec.Hits)
	})
}

func TestEmailRecordUnblock(t *testing.T) {
	lim := limits.DefaultLimits() // maxUnblockAttempts = 5
	now := testTime()

	t.Run("fresh email may unblock", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		assert.True(t, rec.CanUnblock(now))
	})

	t.Run("banned email may not unblock", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		rec.Block(now)
		assert.False(t, rec.CanUnblock(now))
	})

	t.Run("too many unblock attempts close the escape hatch", func(t *testing.T) {
		rec := NewEmailRecord(lim)
		for i := 0; i < 5; i++ {
			rec.Update("accountLogin", true, now)
			assert.True(t, rec.CanUnblock(now))
		}
		rec.Update("accountLogin", true, now)
		assert.True(t, rec.IsRateLimited(now))
		assert.False(t, rec.CanUnblock(now))
	})
}

func TestEmailRecordPasswordReset(t *testing.T) {
	now := testTime()
	rec := NewEmailRecord(limits.DefaultLimits())

	require.Zero(t, rec.PasswordResetAt)
	rec.PasswordReset(now)
	assert.Equal(t, now.UnixMilli(), rec.PasswordResetAt)
}
