package model

import "time"

// Project groups tasks by area (work, health, study, etc.).
type Project struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index:idx_user_project_name,unique"`
	Name      string `gorm:"index:idx_user_project_name,unique"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Tasks     []Task `gorm:"foreignKey:ProjectID"`
}

// Tag is a free-form label shared by a user's tasks.
type Tag struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index:idx_user_tag_name,unique"`
	Name      string `gorm:"index:idx_user_tag_name,unique"`
	CreatedAt time.Time
}
