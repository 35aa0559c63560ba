package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Collections tracks membership of items in named collections. The
// subject is a local username for actor collections (followers, liked,
// ...) or a full object id for object collections (replies, likes, ...).
// Membership is idempotent per (subject, collection, item).
type Collections interface {
	AddToCollection(subjectID, name, itemID string) error
	RemoveFromCollection(subjectID, name, itemID string) error
	InCollection(subjectID, name, itemID string) (bool, error)
	CollectionSize(subjectID, name string) (int, error)
	ForEachInCollection(subjectID, name string, fn func(itemID string) error) error
	CollectionPage(subjectID, name string, page, pageSize int) (items []string, more bool, err error)
	UsernamesWith(name, itemID string) ([]string, error)
}

// memberRow is the gorm model for one collection membership
type memberRow struct {
	ID         uint
	CreatedAt  time.Time
	SubjectID  string `gorm:"uniqueIndex:idx_member;index"`
	Collection string `gorm:"uniqueIndex:idx_member"`
	ItemID     string `gorm:"uniqueIndex:idx_member;index"`
}

func (s *sqliteDatabase) AddToCollection(subjectID, name, itemID string) error {
	in, err := s.InCollection(subjectID, name, itemID)
	if err != nil {
		return err
	}
	if in {
		// already a member, totalItems must not drift
		return nil
	}
	tx := s.db.Create(&memberRow{SubjectID: subjectID, Collection: name, ItemID: itemID})
	if tx.Error != nil {
		return fmt.Errorf("adding [%s] to %s of [%s]: %w", itemID, name, subjectID, tx.Error)
	}
	return nil
}

func (s *sqliteDatabase) RemoveFromCollection(subjectID, name, itemID string) error {
	tx := s.db.Where(&memberRow{SubjectID: subjectID, Collection: name, ItemID: itemID}).
		Delete(&memberRow{})
	if tx.Error != nil {
		return fmt.Errorf("removing [%s] from %s of [%s]: %w", itemID, name, subjectID, tx.Error)
	}
	// removing an absent member is a no-op
	return nil
}

func (s *sqliteDatabase) InCollection(subjectID, name, itemID string) (bool, error) {
	var row memberRow
	tx := s.db.First(&row, memberRow{SubjectID: subjectID, Collection: name, ItemID: itemID})
	if tx.Error == gorm.ErrRecordNotFound {
		return false, nil
	} else if tx.Error != nil {
		return false, tx.Error
	}
	return true, nil
}

func (s *sqliteDatabase) CollectionSize(subjectID, name string) (int, error) {
	var count int64
	tx := s.db.Model(&memberRow{}).
		Where(&memberRow{SubjectID: subjectID, Collection: name}).
		Count(&count)
	if tx.Error != nil {
		return 0, tx.Error
	}
	return int(count), nil
}

// ForEachInCollection iterates the members in insertion order, loading
// in batches so a large followers collection never sits in memory at
// once. Returning an error from fn stops the iteration.
func (s *sqliteDatabase) ForEachInCollection(subjectID, name string, fn func(itemID string) error) error {
	const batch = 100
	lastID := uint(0)
	for {
		var rows []memberRow
		tx := s.db.Where(&memberRow{SubjectID: subjectID, Collection: name}).
			Where("id > ?", lastID).
			Order("id").Limit(batch).Find(&rows)
		if tx.Error != nil && tx.Error != gorm.ErrRecordNotFound {
			return tx.Error
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if err := fn(row.ItemID); err != nil {
				return err
			}
			lastID = row.ID
		}
	}
}

// CollectionPage returns one 1-based page of members plus whether more
// pages follow.
func (s *sqliteDatabase) CollectionPage(subjectID, name string, page, pageSize int) ([]string, bool, error) {
	if page < 1 || pageSize < 1 {
		return nil, false, fmt.Errorf("bad page %d size %d", page, pageSize)
	}
	var rows []memberRow
	tx := s.db.Where(&memberRow{SubjectID: subjectID, Collection: name}).
		Order("id").Offset((page - 1) * pageSize).Limit(pageSize + 1).Find(&rows)
	if tx.Error != nil && tx.Error != gorm.ErrRecordNotFound {
		return nil, false, tx.Error
	}
	more := len(rows) > pageSize
	if more {
		rows = rows[:pageSize]
	}
	items := make([]string, len(rows))
	for i, row := range rows {
		items[i] = row.ItemID
	}
	return items, more, nil
}

// UsernamesWith lists the local usernames whose named collection
// contains the item. Only actor collections key by username, so the
// subjects that come back are usernames.
func (s *sqliteDatabase) UsernamesWith(name, itemID string) ([]string, error) {
	var rows []memberRow
	tx := s.db.Where(&memberRow{Collection: name, ItemID: itemID}).Order("id").Find(&rows)
	if tx.Error != nil && tx.Error != gorm.ErrRecordNotFound {
		return nil, tx.Error
	}
	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row.SubjectID
	}
	return names, nil
}
