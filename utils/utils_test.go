package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "+60111", want: "+60111"},
		{raw: "60444@s.whatsapp.net", want: "+60444"},
		{raw: "60444:12@s.whatsapp.net", want: "+60444"},
		{raw: "0060 444", want: "+60444"},
		{raw: "+60-444", want: "+60444"},
		{raw: " (60) 123 4567 ", want: "+601234567"},
		{raw: "12", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "1234567890123456", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want[1:], ProviderNumber(got))
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, RetryBackoff(0))
	assert.Equal(t, time.Minute, RetryBackoff(1))
	assert.Equal(t, 2*time.Minute, RetryBackoff(2))
	assert.Equal(t, 8*time.Minute, RetryBackoff(4))
	assert.Equal(t, 15*time.Minute, RetryBackoff(5))
	assert.Equal(t, 15*time.Minute, RetryBackoff(40))
}

func TestWindowStarts(t *testing.T) {
	tehran := time.FixedZone("IRST", 3*3600+1800)
	at := time.Date(2026, 3, 11, 1, 45, 10, 0, tehran)

	assert.Equal(t, time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC), HourStart(at))
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), DayStart(at))
}

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	assert.True(t, IsExpiredAt(nil, now))
	assert.True(t, IsExpiredAt(ToPtr(now), now))
	assert.False(t, IsExpiredAt(ToPtr(now.Add(time.Second)), now))
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(SharedSecretBytes)
	require.NoError(t, err)
	b, err := RandomHex(SharedSecretBytes)
	require.NoError(t, err)
	assert.Len(t, a, 2*SharedSecretBytes)
	assert.NotEqual(t, a, b)
}
