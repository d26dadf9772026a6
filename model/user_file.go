package model

import (
	"time"

	"gorm.io/gorm"
)

type UserFile struct {
	ID uint64 `gorm:"primaryKey" json:"id,omitempty"`

	UserID uint64 `gorm:"column:user_id;not null;uniqueIndex:uk_user_parent_name_active,priority:1" json:"user_id,omitempty"`
	User   User   `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE" json:"-"`

	ParentID *uint64   `gorm:"column:parent_id;index;uniqueIndex:uk_user_parent_name_active,priority:2" json:"parent_id,omitempty"`
	Parent   *UserFile `gorm:"foreignKey:ParentID;references:ID" json:"-"`

	Name string `gorm:"column:name;size:255;not null;uniqueIndex:uk_user_parent_name_active,priority:3" json:"name,omitempty"`

	IsDir bool `gorm:"column:is_dir;not null;default:false" json:"is_dir,omitempty"`

	// ObjectKey 为 blob 在存储后端中的定位 目录为空
	ObjectKey string `gorm:"column:object_key;size:512;not null;default:''" json:"-"`

	Size     int64  `gorm:"column:size;not null;default:0" json:"size,omitempty"`
	MimeType string `gorm:"column:mime_type;size:127;not null;default:''" json:"mime_type,omitempty"`

	IsDeleted bool           `gorm:"column:is_deleted;default:false;uniqueIndex:uk_user_parent_name_active,priority:4" json:"is_deleted,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// TableName returns the database table name.
func (UserFile) TableName() string {
	return "user_file"
}

/*
关于数据库字段中指针与非指针的用法
NOT NULL 的字段使用值类型 比如 UserID 而根目录下的文件 ParentID 没有值 所以使用指针
永久文件只会在分片合并成功或压缩任务产出时创建 普通请求路径不会写这张表的 ObjectKey
*/
