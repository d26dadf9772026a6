package service

import (
	"CloudBox/internal/repo"
	"CloudBox/model"
	"fmt"
	"net/http"
)

// BuildObjectName builds the blob key for a user's file token.
func BuildObjectName(username, token string) string {
	return fmt.Sprintf("files/%s/%s", username, token)
} // 存储路径

// CreateUserFileEntry creates a file entry. Only assembly and archive jobs
// write permanent files.
func CreateUserFileEntry(userFile *model.UserFile) error {
	return repo.Db.Create(userFile).Error
}

// CreateUserDir creates a folder entry, validating the parent.
func CreateUserDir(userID uint64, name string, parentID *uint64) (*model.UserFile, error) {
	if parentID != nil && *parentID != 0 {
		var parent model.UserFile
		if err := repo.Db.
			Where("id = ? AND user_id = ? AND is_dir = 1 AND is_deleted = 0", *parentID, userID).
			First(&parent).Error; err != nil {
			return nil, NewError(http.StatusBadRequest, CodeInvalidInput, "parent not exist or not dir")
		}
	}
	dir := &model.UserFile{
		UserID:   userID,
		ParentID: parentID,
		Name:     name,
		IsDir:    true,
	}
	if err := repo.Db.Create(dir).Error; err != nil {
		return nil, err
	}
	return dir, nil
}

// GetUserFileById returns a live file by ID.
func GetUserFileById(fileID uint64) (*model.UserFile, error) {
	var file model.UserFile
	err := repo.Db.Where("id = ? AND is_deleted = 0", fileID).First(&file).Error
	return &file, err
}

// CheckFileOwner checks file ownership.
func CheckFileOwner(userID, fileID uint64) bool { // 判断该文件是否属于该用户
	var count int64
	err := repo.Db.
		Model(&model.UserFile{}).
		Where("id = ? AND user_id = ? AND is_deleted = 0", fileID, userID).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// listChildren returns the live children of a folder.
func listChildren(userID, parentID uint64) ([]model.UserFile, error) {
	var children []model.UserFile
	err := repo.Db.
		Where("parent_id = ? AND user_id = ? AND is_deleted = 0", parentID, userID).
		Find(&children).Error
	return children, err
}
