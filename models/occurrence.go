package models

// Occurrence records one detected face in one ingested image.
// Rows are append only; IdentityKey groups every occurrence of the same person.
type Occurrence struct {
	IdentityKey      string `gorm:"primaryKey;size:128" json:"identity_key"`
	OccurrenceKey    string `gorm:"primaryKey;size:36" json:"occurrence_key"` // UUIDv7, time ordered
	FaceURL          string `gorm:"not null" json:"face_url"`
	FaceThumbnailURL string `gorm:"not null" json:"face_thumbnail_url"`
	Left             int    `gorm:"not null" json:"left"`
	Top              int    `gorm:"not null" json:"top"`
	Width            int    `gorm:"not null" json:"width"`
	Height           int    `gorm:"not null" json:"height"`
	CreatedAt        int64  `gorm:"not null;autoCreateTime" json:"created_at"` // Unix timestamp
}

// TableName explicitly sets the table name for GORM.
func (Occurrence) TableName() string {
	return "occurrences"
}
