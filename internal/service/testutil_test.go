package service

import (
	"CloudBox/config"
	"CloudBox/internal/repo"
	"CloudBox/internal/storage"
	"CloudBox/model"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testInitOnce sync.Once
	testUserSeq  uint64
)

// setupTest wires the package singletons once per test binary: config and
// storage roots under a scratch dir, an in-memory SQLite database and the
// local blob store. Redis stays nil, which routes every cache helper and
// lock to its no-op path.
func setupTest(t *testing.T) {
	t.Helper()
	testInitOnce.Do(func() {
		root, err := os.MkdirTemp("", "cloudbox-test-")
		if err != nil {
			panic(err)
		}
		os.Setenv("STORAGE_ROOT", root)
		config.InitConfig()
		repo.InitSqliteTest()
		local, err := storage.NewLocalStore(config.StorageConfigInstance.DataRoot)
		if err != nil {
			panic(err)
		}
		storage.Default = local
	})
}

func createTestUser(t *testing.T, quota int64) *model.User {
	t.Helper()
	seq := atomic.AddUint64(&testUserSeq, 1)
	user := &model.User{
		UserName:     fmt.Sprintf("user%d", seq),
		Email:        fmt.Sprintf("user%d@test.local", seq),
		IsActive:     true,
		StorageQuota: quota,
	}
	require.NoError(t, repo.Db.Create(user).Error)
	return user
}

func reloadUser(t *testing.T, userID uint64) *model.User {
	t.Helper()
	var user model.User
	require.NoError(t, repo.Db.Where("id = ?", userID).First(&user).Error)
	return &user
}
