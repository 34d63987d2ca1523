package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/messages"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Staging holds media whose upload was deferred, keyed by content address, until a repair task
// uploads it. Task payloads carry only the address.
type Staging interface {
	Stage(ctx context.Context, payload messages.MediaPayload) (string, error)
	// Load returns ErrBlobNotFound when nothing is staged under address.
	Load(ctx context.Context, address string) (messages.MediaPayload, error)
	Discard(ctx context.Context, address string) error
}

// StagedMedia is the persisted form of a staged payload.
type StagedMedia struct {
	Address        string `gorm:"column:address;primaryKey;size:80"`
	ContentType    string `gorm:"column:content_type;size:255"`
	Data           []byte `gorm:"column:data;not null"`
	StagedAtSecond int64  `gorm:"column:staged_at_s;not null"`
}

func (StagedMedia) TableName() string {
	return "media_staging"
}

// GormStaging keeps staged media in the engine database, next to the documents that reference it.
type GormStaging struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStaging constructs a GormStaging. The media_staging table must already be migrated.
func NewGormStaging(db *gorm.DB) (*GormStaging, error) {
	if db == nil {
		return nil, errors.New("media: staging database is required")
	}
	return &GormStaging{db: db, clock: time.Now}, nil
}

func (s *GormStaging) Stage(ctx context.Context, payload messages.MediaPayload) (string, error) {
	address := ContentAddress(payload.Data)
	record := StagedMedia{
		Address:        address,
		ContentType:    payload.ContentType,
		Data:           payload.Data,
		StagedAtSecond: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	if err != nil {
		return "", err
	}
	return address, nil
}

func (s *GormStaging) Load(ctx context.Context, address string) (messages.MediaPayload, error) {
	var records []StagedMedia
	if err := s.db.WithContext(ctx).Where("address = ?", address).Limit(1).Find(&records).Error; err != nil {
		return messages.MediaPayload{}, err
	}
	if len(records) == 0 {
		return messages.MediaPayload{}, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
	}
	return messages.MediaPayload{ContentType: records[0].ContentType, Data: records[0].Data}, nil
}

func (s *GormStaging) Discard(ctx context.Context, address string) error {
	return s.db.WithContext(ctx).Where("address = ?", address).Delete(&StagedMedia{}).Error
}

// MemoryStaging is an in-process Staging. Staged media does not survive a restart.
type MemoryStaging struct {
	mu     sync.Mutex
	staged map[string]messages.MediaPayload
}

// NewMemoryStaging constructs an empty MemoryStaging.
func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{staged: make(map[string]messages.MediaPayload)}
}

func (s *MemoryStaging) Stage(ctx context.Context, payload messages.MediaPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	address := ContentAddress(payload.Data)
	s.mu.Lock()
	s.staged[address] = payload
	s.mu.Unlock()
	return address, nil
}

func (s *MemoryStaging) Load(ctx context.Context, address string) (messages.MediaPayload, error) {
	if err := ctx.Err(); err != nil {
		return messages.MediaPayload{}, err
	}
	s.mu.Lock()
	payload, ok := s.staged[address]
	s.mu.Unlock()
	if !ok {
		return messages.MediaPayload{}, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
	}
	return payload, nil
}

func (s *MemoryStaging) Discard(_ context.Context, address string) error {
	s.mu.Lock()
	delete(s.staged, address)
	s.mu.Unlock()
	return nil
}
