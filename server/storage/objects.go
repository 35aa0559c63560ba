package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"fedilace/server/activity"
)

// Objects stores one authoritative JSON copy per object id. Activities
// are create-once; objects may be updated or tombstoned, never removed
// from the id space.
type Objects interface {
	ReadObject(id string) (*activity.Object, error)
	CreateObject(obj *activity.Object) error
	UpdateObject(obj *activity.Object) error
	TombstoneObject(id string, when time.Time) error
}

// objectRow is the gorm model for a stored object
type objectRow struct {
	ID         uint
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ObjectID   string `gorm:"index;unique"`
	ObjectTime time.Time
	ObjectJSON string
}

func (s *sqliteDatabase) ReadObject(id string) (*activity.Object, error) {
	var row objectRow
	tx := s.db.First(&row, objectRow{ObjectID: id})
	if tx.Error == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	} else if tx.Error != nil {
		return nil, tx.Error
	}
	obj, err := activity.FromJSON([]byte(row.ObjectJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing stored object [%s]: %w", id, err)
	}
	return obj, nil
}

func (s *sqliteDatabase) CreateObject(obj *activity.Object) error {
	if obj.ID == "" {
		return fmt.Errorf("refusing to store an object without an id")
	}
	var row objectRow
	tx := s.db.First(&row, objectRow{ObjectID: obj.ID})
	if tx.Error == nil {
		// create-once: an existing row wins, replays are no-ops
		return nil
	} else if tx.Error != gorm.ErrRecordNotFound {
		return tx.Error
	}
	tx = s.db.Create(&objectRow{
		ObjectID:   obj.ID,
		ObjectTime: obj.Timestamp(),
		ObjectJSON: string(obj.JSON()),
	})
	if tx.Error != nil {
		return fmt.Errorf("creating object [%s]: %w", obj.ID, tx.Error)
	}
	return nil
}

func (s *sqliteDatabase) UpdateObject(obj *activity.Object) error {
	var row objectRow
	tx := s.db.First(&row, objectRow{ObjectID: obj.ID})
	if tx.Error == gorm.ErrRecordNotFound {
		return ErrNotFound
	} else if tx.Error != nil {
		return tx.Error
	}
	row.ObjectTime = obj.Timestamp()
	row.ObjectJSON = string(obj.JSON())
	if tx := s.db.Save(&row); tx.Error != nil {
		return fmt.Errorf("updating object [%s]: %w", obj.ID, tx.Error)
	}
	return nil
}

// TombstoneObject replaces the stored object with a Tombstone carrying
// the same id and the deletion timestamp.
func (s *sqliteDatabase) TombstoneObject(id string, when time.Time) error {
	obj, err := s.ReadObject(id)
	if err != nil {
		return err
	}
	stone := activity.Object{
		Context:   activity.Context,
		ID:        obj.ID,
		Type:      activity.StringList{activity.TombstoneType},
		Published: obj.Published,
		Deleted:   when.UTC().Format(activity.TimeFormat),
	}
	return s.UpdateObject(&stone)
}
