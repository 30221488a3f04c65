package simulator

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	optionsBucket = "simulator"
	optionsKey    = "dome_options"
)

var errNoOptions = errors.New("no saved dome options")

// DomeOptions are the settings a peer can change on the simulator that
// survive a restart. Both azimuths are in degrees.
type DomeOptions struct {
	HomeAzimuth float64 `json:"home_azimuth"`
	ParkAzimuth float64 `json:"park_azimuth"`
}

func defaultOptions() DomeOptions {
	return DomeOptions{HomeAzimuth: 0, ParkAzimuth: 90}
}

// optionsStore keeps DomeOptions as JSON under one key of the simulator
// bucket, shared with the rest of the client's bolt database.
type optionsStore struct {
	db     *bolt.DB
	logger log.FieldLogger
}

// newOptionsStore opens the store and saves the defaults on first use.
func newOptionsStore(db *bolt.DB, logger log.FieldLogger) (*optionsStore, error) {
	st := &optionsStore{db: db, logger: logger}

	if _, err := st.load(); errors.Is(err, errNoOptions) {
		logger.Info("Saving default dome options")
		if err := st.save(defaultOptions()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *optionsStore) save(opts DomeOptions) error {
	value, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(optionsBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(optionsKey), value)
	})
}

func (s *optionsStore) load() (DomeOptions, error) {
	var opts DomeOptions

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(optionsBucket))
		if b == nil {
			return errNoOptions
		}
		value := b.Get([]byte(optionsKey))
		if value == nil {
			return errNoOptions
		}
		if err := json.Unmarshal(value, &opts); err != nil {
			return fmt.Errorf("corrupt dome options: %w", err)
		}
		return nil
	})
	return opts, err
}
