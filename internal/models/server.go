package models

import (
	"time"
)

type Server struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:128;not null"`
	Kind      string `gorm:"size:16;not null;index"`
	APIURL    string `gorm:"size:512;not null"`
	APIKey    string `gorm:"size:512"`
	SquadID   string `gorm:"size:64"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}
