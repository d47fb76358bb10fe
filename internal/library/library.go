// Package library reads the reader's local library, the SQLite database
// the host application keeps its items, attachments and markup in.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

type Item struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	CreatedAt time.Time
}

type Attachment struct {
	ID         string `gorm:"primaryKey"`
	ItemID     string `gorm:"index"`
	DocumentID string `gorm:"index"`
	Title      string
	Path       string
	CreatedAt  time.Time
}

type Markup struct {
	ID           string `gorm:"primaryKey"`
	AttachmentID string `gorm:"index"`
	Type         string
	Text         string
	Comment      string
	Color        string
	PageIndex    *int
	PageLabel    string
	// Position holds the rects as a JSON array of {x,y,w,h}.
	Position   datatypes.JSON
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Library struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite library at path.
func Open(path string) (*Library, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*Library, error) {
	if err := db.AutoMigrate(&Item{}, &Attachment{}, &Markup{}); err != nil {
		return nil, fmt.Errorf("migrate library: %w", err)
	}
	return &Library{db: db}, nil
}

func (l *Library) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Library) ListAttachments(ctx context.Context, item host.Item) ([]host.AttachmentRef, error) {
	var rows []Attachment
	if err := l.db.WithContext(ctx).Where("item_id = ?", item.Key).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return toRefs(rows), nil
}

// AttachmentsForDocument returns the attachments that render documentID.
func (l *Library) AttachmentsForDocument(ctx context.Context, documentID string) ([]host.AttachmentRef, error) {
	var rows []Attachment
	if err := l.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("attachments for document: %w", err)
	}
	if len(rows) == 0 {
		return nil, annotation.NotFoundError("library.attachments", "no attachment for document "+documentID)
	}
	return toRefs(rows), nil
}

func (l *Library) ListMarkup(ctx context.Context, attachment host.AttachmentRef) ([]host.RawMarkup, error) {
	var rows []Markup
	if err := l.db.WithContext(ctx).Where("attachment_id = ?", attachment.Key).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list markup: %w", err)
	}
	out := make([]host.RawMarkup, 0, len(rows))
	for _, row := range rows {
		rects, err := decodeRects(row.Position)
		if err != nil {
			return nil, fmt.Errorf("decode position of markup %s: %w", row.ID, err)
		}
		out = append(out, host.RawMarkup{
			Key:        row.ID,
			Type:       row.Type,
			Text:       row.Text,
			Comment:    row.Comment,
			Color:      row.Color,
			PageIndex:  row.PageIndex,
			PageLabel:  row.PageLabel,
			Rects:      rects,
			AuthorID:   row.AuthorID,
			AuthorName: row.AuthorName,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return out, nil
}

func (l *Library) SaveItem(ctx context.Context, item Item) error {
	return l.db.WithContext(ctx).Save(&item).Error
}

func (l *Library) SaveAttachment(ctx context.Context, attachment Attachment) error {
	return l.db.WithContext(ctx).Save(&attachment).Error
}

// SaveMarkup upserts markup, encoding rects into its position column.
func (l *Library) SaveMarkup(ctx context.Context, markup Markup, rects []annotation.Rect) error {
	if rects != nil {
		raw, err := json.Marshal(rects)
		if err != nil {
			return fmt.Errorf("encode rects: %w", err)
		}
		markup.Position = datatypes.JSON(raw)
	}
	return l.db.WithContext(ctx).Save(&markup).Error
}

func (l *Library) GetItem(ctx context.Context, id string) (Item, error) {
	var item Item
	err := l.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, annotation.NotFoundError("library.item", "no item "+id)
	}
	return item, err
}

func decodeRects(raw datatypes.JSON) ([]annotation.Rect, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rects []annotation.Rect
	if err := json.Unmarshal(raw, &rects); err != nil {
		return nil, err
	}
	return rects, nil
}

func toRefs(rows []Attachment) []host.AttachmentRef {
	out := make([]host.AttachmentRef, 0, len(rows))
	for _, row := range rows {
		out = append(out, host.AttachmentRef{
			Key:        row.ID,
			ItemKey:    row.ItemID,
			DocumentID: row.DocumentID,
			Title:      row.Title,
			Path:       row.Path,
		})
	}
	return out
}
