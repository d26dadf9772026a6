package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestReserveTempEnforcesQuota(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 100)

	require.NoError(t, ReserveTemp(user.ID, 60))

	err := ReserveTemp(user.ID, 50)
	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))

	// 剩余 40 整好用满
	require.NoError(t, ReserveTemp(user.ID, 40))

	err = ReserveTemp(user.ID, 1)
	assert.True(t, IsQuotaExceeded(err))

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(100), got.TempStorage)
	assert.Equal(t, int64(0), got.StorageUsed)
}

func TestReserveTempUnknownUser(t *testing.T) {
	setupTest(t)
	err := ReserveTemp(999999999, 10)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCommitTempMovesReservationToUsed(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1000)

	require.NoError(t, ReserveTemp(user.ID, 300))
	require.NoError(t, CommitTemp(user.ID, 300))

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
	assert.Equal(t, int64(300), got.StorageUsed)
}

func TestReleaseTempFloorsAtZero(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 1000)

	require.NoError(t, ReserveTemp(user.ID, 50))
	require.NoError(t, ReleaseTemp(user.ID, 50))
	// 重复释放不能把计数打成负数
	require.NoError(t, ReleaseTemp(user.ID, 50))

	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.TempStorage)
}

func TestAdjustUsed(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 100)

	require.NoError(t, AdjustUsed(user.ID, 80))

	err := AdjustUsed(user.ID, 30)
	assert.True(t, IsQuotaExceeded(err))

	require.NoError(t, AdjustUsed(user.ID, -200))
	got := reloadUser(t, user.ID)
	assert.Equal(t, int64(0), got.StorageUsed)
}

func TestReservationCountsAgainstUsed(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, 100)

	require.NoError(t, AdjustUsed(user.ID, 70))
	err := ReserveTemp(user.ID, 40)
	assert.True(t, IsQuotaExceeded(err))
	require.NoError(t, ReserveTemp(user.ID, 30))
}
