package gormstore

import "time"

// operationRow is one operation. Checkpoints live in checkpointRow.
type operationRow struct {
	Discriminator string    `gorm:"primaryKey;size:255"`
	ID            string    `gorm:"primaryKey;size:512;column:id"`
	ScheduleID    *string   `gorm:"size:255"`
	StartedAt     time.Time `gorm:"not null"`
	Args          string    `gorm:"type:text;not null"`
	State         int       `gorm:"not null;index"`
	WaitingUntil  *time.Time
	RetryingAt    *time.Time
	RetryCount    *int
	Result        *string `gorm:"type:text"`
	FailReason    *string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (operationRow) TableName() string { return "duops_operations" }

// checkpointRow is one checkpoint entry. The unique index makes a second
// insert of the same entry fail instead of overwriting it.
type checkpointRow struct {
	ID            uint   `gorm:"primaryKey"`
	Discriminator string `gorm:"size:255;not null;uniqueIndex:duops_checkpoints_entry"`
	OperationID   string `gorm:"size:512;not null;uniqueIndex:duops_checkpoints_entry"`
	Checkpoint    string `gorm:"size:255;not null;uniqueIndex:duops_checkpoints_entry"`
	CheckpointKey string `gorm:"size:512;not null;uniqueIndex:duops_checkpoints_entry"`
	Keyed         bool   `gorm:"not null"`
	Value         string `gorm:"type:text;not null"`
	CreatedAt     time.Time
}

func (checkpointRow) TableName() string { return "duops_checkpoints" }
