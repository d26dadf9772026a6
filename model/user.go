package model

import (
	"gorm.io/gorm"
	"time"
)

type User struct {
	ID uint64 `gorm:"primaryKey"`

	UserName string `gorm:"column:user_name;type:varchar(50);not null;unique"`

	Email string `gorm:"column:email;type:varchar(255);not null;unique"`

	NickName  string `gorm:"column:nick_name;type:varchar(80);not null;default:''"`
	AvatarURL string `gorm:"column:avatar_url;type:varchar(512);not null;default:''"`

	IsActive bool `gorm:"column:is_active;not null;default:false"`

	StorageQuota int64 `gorm:"column:storage_quota;not null;default:0"` // 容量管理
	StorageUsed  int64 `gorm:"column:storage_used;not null;default:0"`
	TempStorage  int64 `gorm:"column:temp_storage;not null;default:0"`

	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// TableName returns the database table name.
func (User) TableName() string {
	return "user_db"
}

/*
StorageUsed 为已落盘文件占用的字节数 TempStorage 为分片上传中的预留字节数
任何一次提交后都必须满足 StorageUsed + TempStorage <= StorageQuota
*/
