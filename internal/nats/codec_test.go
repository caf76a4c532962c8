package nats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvstream/logbackup/internal/core"
)

func TestDecodeRegionEvent(t *testing.T) {
	ev, err := decodeRegionEvent([]byte(`{"kind":"refresh_resolver","region":{"id":3,"start_key":"YQ==","epoch":{"conf_ver":1,"version":4}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRefreshResolver, ev.Kind)
	assert.Equal(t, uint64(3), ev.Region.ID)
	assert.Equal(t, []byte("a"), ev.Region.StartKey)
	assert.Equal(t, core.Epoch{ConfVer: 1, Version: 4}, ev.Region.Epoch)

	_, err = decodeRegionEvent([]byte(`{"kind":"start","region":{}}`))
	assert.True(t, errors.Is(err, &core.Error{Code: core.ErrCodeInvalidRequest}))

	_, err = decodeRegionEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeError(t *testing.T) {
	assert.Nil(t, encodeError(nil))

	w := encodeError(core.NewNotLeaderError(4))
	require.NotNil(t, w)
	assert.Equal(t, core.ErrCodeNotLeader, w.Code)

	w = encodeError(errors.New("disk full"))
	require.NotNil(t, w)
	assert.Equal(t, core.ErrCodeInternalError, w.Code)
	assert.Equal(t, "disk full", w.Message)
}

func TestDecodeScanReply(t *testing.T) {
	stats, err := decodeScanReply([]byte(`{"stats":{"entries":5,"bytes":64}}`), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.Entries)
	assert.Equal(t, uint64(64), stats.Bytes)

	_, err = decodeScanReply([]byte(`{"error":{"code":"epoch_not_match","message":"split"}}`), 9)
	require.Error(t, err)
	var e *core.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, core.ErrCodeEpochNotMatch, e.Code)
	assert.Equal(t, uint64(9), e.RegionID)
	assert.False(t, core.ShouldRetry(err))

	_, err = decodeScanReply([]byte(`{"error":{"code":"raft_request","message":"busy"}}`), 9)
	assert.True(t, core.ShouldRetry(err))
}
