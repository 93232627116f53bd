package records

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"customs/internal/customs/limits"
)

func TestSmsRecordUpdate(t *testing.T) {
	lim := limits.DefaultLimits().SmsRateLimit // maxSms = 2
	now := testTime()

	t.Run("third send in the window trips the limit", func(t *testing.T) {
		rec := NewSmsRecord(lim)
		assert.Zero(t, rec.Update("connectDeviceSms", now))
		assert.Zero(t, rec.Update("connectDeviceSms", now))
		assert.Equal(t, lim.BanDurationSeconds, rec.Update("connectDeviceSms", now))
	})

	t.Run("other actions never touch the sms counter", func(t *testing.T) {
		rec := NewSmsRecord(lim)
		for i := 0; i < 10; i++ {
			assert.Zero(t, rec.Update("accountLogin", now))
		}
		assert.Empty(t, rec.Sends)
	})
}
