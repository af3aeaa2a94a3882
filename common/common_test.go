package common

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeURLValues(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/api/v3/time", EncodeURLValues("/api/v3/time", nil))
	assert.Equal(t, "/api/v3/time", EncodeURLValues("/api/v3/time", url.Values{}))

	v := url.Values{}
	v.Set("symbol", "BTCUSDT")
	v.Set("limit", "100")
	assert.Equal(t, "/api/v3/depth?limit=100&symbol=BTCUSDT", EncodeURLValues("/api/v3/depth", v))
}

func TestSortedURLValues(t *testing.T) {
	t.Parallel()

	assert.Empty(t, SortedURLValues(nil))

	v := url.Values{}
	v.Set("tradePassword", "")
	v.Set("accessKey", "k")
	v.Set("nonce", "1")
	assert.Equal(t, "accessKey=k&nonce=1&tradePassword=", SortedURLValues(v))
}

func TestAppendError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, AppendError(nil, nil))

	errA := errors.New("first failure")
	errB := errors.New("second failure")

	assert.Equal(t, errA, AppendError(errA, nil))
	assert.Equal(t, errB, AppendError(nil, errB))

	joined := AppendError(errA, errB)
	require.Error(t, joined)
	assert.ErrorIs(t, joined, errA)
	assert.ErrorIs(t, joined, errB)
	assert.Equal(t, "first failure, second failure", joined.Error())
}
