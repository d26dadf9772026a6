package service

import (
	"CloudBox/internal/repo"
	"CloudBox/model"
)

// GetUserByID returns a user row.
func GetUserByID(userID uint64) (*model.User, error) {
	var user model.User
	if err := repo.Db.Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserNameById returns the username for an ID.
func FindUserNameById(userID uint64) (string, error) {
	user, err := GetUserByID(userID)
	if err != nil {
		return "", err
	}
	return user.UserName, nil
}
