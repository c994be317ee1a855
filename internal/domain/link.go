package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SharedLink struct {
	bun.BaseModel `bun:"table:shared_links"`

	ID              uuid.UUID `bun:"id,pk,type:uuid"`
	LinkID          string    `bun:"link_id,notnull,unique"`
	Name            string    `bun:"name,notnull"`
	Description     string    `bun:"description,notnull"`
	CalendarIDs     []string  `bun:"calendar_ids,array,notnull"`
	DurationMinutes int       `bun:"duration_minutes,notnull"`
	Active          bool      `bun:"active,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func (l *SharedLink) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if l.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			l.ID = id
		}
		if l.LinkID == "" {
			l.LinkID = NewLinkID()
		}
		if l.CalendarIDs == nil {
			l.CalendarIDs = []string{}
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if l.UpdatedAt.IsZero() {
			l.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		l.UpdatedAt = now
	}
	return nil
}

func NewLinkID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// SlotMinutes falls back to DefaultSlotMinutes when the link has no override.
func (l SharedLink) SlotMinutes() int {
	if l.DurationMinutes > 0 {
		return l.DurationMinutes
	}
	return DefaultSlotMinutes
}
