package service

import (
	"CloudBox/internal/repo"
	"CloudBox/model"
	"net/http"

	"gorm.io/gorm"
)

/*
配额账本 所有计数变更都是数据库内的单条条件 UPDATE
绝不允许先读进内存再写回 否则同一用户并发上传时会丢更新
*/

// ReserveTemp reserves bytes against the user's temp storage. The quota check
// and the increment run in the same UPDATE, so two concurrent reservations can
// never jointly overshoot the ceiling.
func ReserveTemp(userID uint64, bytes int64) error {
	return reserveTempTx(repo.Db, userID, bytes)
}

func reserveTempTx(db *gorm.DB, userID uint64, bytes int64) error {
	if bytes < 0 {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "negative reservation")
	}
	res := db.Model(&model.User{}).
		Where("id = ? AND storage_used + temp_storage + ? <= storage_quota", userID, bytes).
		UpdateColumn("temp_storage", gorm.Expr("temp_storage + ?", bytes))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := db.Model(&model.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return NewError(http.StatusForbidden, CodeQuotaExceeded, "storage quota exceeded")
	}
	return nil
}

// CommitTemp moves bytes from the temp reservation to permanent usage in one
// UPDATE. The sum of the two counters does not change, so no quota re-check
// is needed here.
func CommitTemp(userID uint64, bytes int64) error {
	return commitTempTx(repo.Db, userID, bytes)
}

func commitTempTx(db *gorm.DB, userID uint64, bytes int64) error {
	if bytes < 0 {
		return NewError(http.StatusBadRequest, CodeInvalidInput, "negative commit")
	}
	res := db.Model(&model.User{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"temp_storage": gorm.Expr("CASE WHEN temp_storage >= ? THEN temp_storage - ? ELSE 0 END", bytes, bytes),
			"storage_used": gorm.Expr("storage_used + ?", bytes),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ReleaseTemp gives back a temp reservation without touching permanent usage.
// Floored at zero so a double release from racing cleanup paths cannot drive
// the counter negative.
func ReleaseTemp(userID uint64, bytes int64) error {
	return releaseTempTx(repo.Db, userID, bytes)
}

func releaseTempTx(db *gorm.DB, userID uint64, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	res := db.Model(&model.User{}).
		Where("id = ?", userID).
		UpdateColumn("temp_storage", gorm.Expr("CASE WHEN temp_storage >= ? THEN temp_storage - ? ELSE 0 END", bytes, bytes))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AdjustUsed applies a delta to permanent usage, outside the upload path
// (trash, restore, archive outputs). Positive deltas re-check the quota;
// negative deltas floor at zero.
func AdjustUsed(userID uint64, delta int64) error {
	return adjustUsedTx(repo.Db, userID, delta)
}

func adjustUsedTx(db *gorm.DB, userID uint64, delta int64) error {
	if delta == 0 {
		return nil
	}
	var res *gorm.DB
	if delta > 0 {
		res = db.Model(&model.User{}).
			Where("id = ? AND storage_used + temp_storage + ? <= storage_quota", userID, delta).
			UpdateColumn("storage_used", gorm.Expr("storage_used + ?", delta))
	} else {
		res = db.Model(&model.User{}).
			Where("id = ?", userID).
			UpdateColumn("storage_used", gorm.Expr("CASE WHEN storage_used >= ? THEN storage_used - ? ELSE 0 END", -delta, -delta))
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if delta > 0 {
			var count int64
			if err := db.Model(&model.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return NewError(http.StatusForbidden, CodeQuotaExceeded, "storage quota exceeded")
		}
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IsQuotaExceeded reports whether err carries the quota error code.
func IsQuotaExceeded(err error) bool {
	svcErr, ok := AsServiceError(err)
	return ok && svcErr.Code == CodeQuotaExceeded
}
