package db

import (
	"encoding/json"
	"time"
)

// Document maps canon.documents.
type Document struct {
	ID            string     `gorm:"column:id;type:text;primaryKey"`
	Source        string     `gorm:"column:source;type:text;not null"`
	Content       string     `gorm:"column:content;type:text;not null;default:''"`
	Language      string     `gorm:"column:language;type:text;not null;default:und"`
	URL           *string    `gorm:"column:url;type:text"`
	ContentHash   []byte     `gorm:"column:content_hash;type:bytea"`
	Simhash       *int64     `gorm:"column:simhash;type:bigint"`
	SimhashBand1  *int32     `gorm:"column:simhash_band_1;type:integer"`
	SimhashBand2  *int32     `gorm:"column:simhash_band_2;type:integer"`
	SimhashBand3  *int32     `gorm:"column:simhash_band_3;type:integer"`
	SimhashBand4  *int32     `gorm:"column:simhash_band_4;type:integer"`
	TokenCount    int        `gorm:"column:token_count;type:integer;not null;default:0"`
	PrimaryID     *string    `gorm:"column:primary_id;type:text"`
	StageStatus   string     `gorm:"column:stage_status;type:text;not null;default:pending_hash"`
	ClaimToken    *string    `gorm:"column:claim_token;type:text"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at;type:timestamptz"`
	Label         *string    `gorm:"column:label;type:text"`
	Score         *float64   `gorm:"column:score;type:double precision"`
	PublishedAt   *time.Time `gorm:"column:published_at;type:timestamptz"`
	FetchedAt     time.Time  `gorm:"column:fetched_at;type:timestamptz;not null;default:now()"`
	InsertedAt    time.Time  `gorm:"column:inserted_at;type:timestamptz;not null;default:now()"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Document) TableName() string { return "canon.documents" }

// DocumentStage maps canon.document_stages: one counter row per document
// and stage.
type DocumentStage struct {
	DocumentID  string          `gorm:"column:document_id;type:text;primaryKey"`
	Stage       string          `gorm:"column:stage;type:text;primaryKey"`
	FailCount   int             `gorm:"column:fail_count;type:integer;not null;default:0"`
	LastError   *string         `gorm:"column:last_error;type:text"`
	Outcome     json.RawMessage `gorm:"column:outcome;type:jsonb"`
	CompletedAt *time.Time      `gorm:"column:completed_at;type:timestamptz"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DocumentStage) TableName() string { return "canon.document_stages" }

func autoMigrateModels() []any {
	return []any{
		&Document{},
		&DocumentStage{},
	}
}
