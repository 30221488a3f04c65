package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"indi/pkg/indi"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket      = "indi"
	blobBucket  = "blobs"
	settingsKey = "client_settings"
)

var ErrNotFound = errors.New("store: record not found")

// Settings are the client connection settings remembered between runs.
type Settings struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	BufferSize  int    `json:"buffer_size"`
	CommandSize int    `json:"command_size"`
}

var defaultSettings = Settings{
	Address:     indi.DefaultHost,
	Port:        indi.DefaultPort,
	BufferSize:  indi.DefaultBufferSize,
	CommandSize: indi.DefaultCommandSize,
}

// BlobRecord is one archived BLOB member.
type BlobRecord struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	Vector     string    `json:"vector"`
	Name       string    `json:"name"`
	Format     string    `json:"format"`
	Size       int       `json:"size"`
	Timestamp  string    `json:"timestamp,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Data       []byte    `json:"data,omitempty"`
}

type Store struct {
	db *bolt.DB
}

// NewStore creates a new store instance and sets default values if they are not already set.
func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

// setDefaults stores the default settings if none are saved yet.
func (s *Store) setDefaults() error {
	if _, err := s.GetSettings(); err != nil {
		log.Infof("Setting default client settings")
		if err := s.SetSettings(defaultSettings); err != nil {
			return fmt.Errorf("failed to store default settings: %v", err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	})
}

// SetSettings saves the client settings as a json string in the database.
func (s *Store) SetSettings(cfg Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(settingsKey), value)
	})
}

// GetSettings retrieves the client settings from the database.
func (s *Store) GetSettings() (Settings, error) {
	var cfg Settings

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(settingsKey))
		if value == nil {
			return fmt.Errorf("key %s not found", settingsKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// ArchiveBlobVector stores every non-empty member of v and returns the ids of
// the new records. Ids are time ordered, so listing returns arrival order.
func (s *Store) ArchiveBlobVector(v *indi.BlobVector) ([]string, error) {
	var ids []string
	now := time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", blobBucket)
		}

		for _, blob := range v.Values() {
			if len(blob.Value) == 0 {
				continue
			}
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			rec := BlobRecord{
				ID:         id.String(),
				Device:     v.Device(),
				Vector:     v.Name(),
				Name:       blob.Name,
				Format:     blob.Format,
				Size:       blob.Size,
				Timestamp:  v.Timestamp(),
				ReceivedAt: now,
				Data:       blob.Value,
			}
			value, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ID), value); err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s.%s: %v", v.Device(), v.Name(), err)
	}
	return ids, nil
}

// ListBlobs returns the archived records of device, or of every device when
// device is empty, without their data.
func (s *Store) ListBlobs(device string) ([]BlobRecord, error) {
	records := []BlobRecord{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, value []byte) error {
			var rec BlobRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			if device != "" && rec.Device != device {
				return nil
			}
			rec.Data = nil
			records = append(records, rec)
			return nil
		})
	})

	return records, err
}

func (s *Store) GetBlob(id string) (BlobRecord, error) {
	var rec BlobRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil {
			return ErrNotFound
		}
		value := b.Get([]byte(id))
		if value == nil {
			return ErrNotFound
		}
		return json.Unmarshal(value, &rec)
	})

	return rec, err
}

func (s *Store) DeleteBlob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil || b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}
