package models

import "time"

// ClaimStat aggregates lead-claim activity per day for admin reporting.
// Rows are written by the counter flush, not by request handlers.
type ClaimStat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Day           time.Time `gorm:"type:date;not null;index:ux_claim_stats_day,unique" json:"day"`
	ClaimAttempts int64     `gorm:"not null;default:0" json:"claim_attempts"`
	ClaimsGranted int64     `gorm:"not null;default:0" json:"claims_granted"`
	ClaimsCharged int64     `gorm:"not null;default:0" json:"claims_charged"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
