package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTierEscalationOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, TierHeadless, TierStatic.Next())
	require.Equal(t, TierStealth, TierHeadless.Next())
	require.Equal(t, TierStealth, TierStealth.Next())
	require.False(t, TierStatic.Browser())
	require.True(t, TierStealth.Browser())
}

func TestTierJSONAcceptsNamesAndIndices(t *testing.T) {
	t.Parallel()

	var opts struct {
		Tier Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"playwright"}`), &opts))
	require.Equal(t, TierHeadless, opts.Tier)
	require.NoError(t, json.Unmarshal([]byte(`{"tier":2}`), &opts))
	require.Equal(t, TierStealth, opts.Tier)
	require.Error(t, json.Unmarshal([]byte(`{"tier":"lynx"}`), &opts))

	out, err := json.Marshal(TierStatic)
	require.NoError(t, err)
	require.JSONEq(t, `"static"`, string(out))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100_000_000, 300_000_000) // 100ms, 300ms
	first := b.Backoff(1)
	require.GreaterOrEqual(t, int64(first), int64(50_000_000))
	require.Less(t, int64(first), int64(100_000_000))
	third := b.Backoff(3)
	require.GreaterOrEqual(t, int64(third), int64(150_000_000))
	require.Less(t, int64(third), int64(300_000_000))
}
