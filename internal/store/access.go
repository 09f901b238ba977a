package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrNotAMember     = errors.New("user is not a member of this thread")
)

// Thread and ThreadMember mirror the rows owned by the CRUD side of the
// system. The fan-out core only reads them to answer access checks.
type Thread struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	CreatedAt time.Time
}

type ThreadMember struct {
	ThreadID string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey"`
	JoinedAt time.Time
}

// AccessChecker answers whether a user may receive a thread's events. It is
// the delegated authorization collaborator consulted on every JOIN_THREAD.
type AccessChecker struct {
	db *gorm.DB
}

func NewAccessChecker(db *gorm.DB) *AccessChecker {
	return &AccessChecker{db: db}
}

func (a *AccessChecker) CanAccess(ctx context.Context, userID, threadID string) error {
	var count int64
	err := a.db.WithContext(ctx).Model(&Thread{}).Where("id = ?", threadID).Count(&count).Error
	if err != nil {
		return fmt.Errorf("thread lookup: %w", err)
	}
	if count == 0 {
		return ErrThreadNotFound
	}

	err = a.db.WithContext(ctx).Model(&ThreadMember{}).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if count == 0 {
		return ErrNotAMember
	}
	return nil
}
