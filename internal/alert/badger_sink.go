package alert

import (
	"context"
	"fmt"
	"math"

	"iot-threat-guard/internal/model"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const alertKeyPrefix = "alert:"

// BadgerSink is an append-only alert log. Keys sort by detection time so List
// can walk the newest entries first.
type BadgerSink struct {
	db     *badger.DB
	logger *logrus.Logger
}

// OpenBadgerSink opens (or creates) the alert log at path. An empty path keeps
// the log in memory.
func OpenBadgerSink(path string, logger *logrus.Logger) (*BadgerSink, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	logger.Infof("Alert store opened (path=%q)", path)
	return &BadgerSink{db: db, logger: logger}, nil
}

func (s *BadgerSink) Name() string {
	return "store"
}

func alertKey(alert model.Alert) []byte {
	// zero padded so lexical order matches time order
	return []byte(fmt.Sprintf("%s%020d:%s", alertKeyPrefix, alert.DetectedAt.UnixNano(), alert.ID))
}

// Record appends the alert to the log
func (s *BadgerSink) Record(ctx context.Context, alert model.Alert) error {
	if err := ctx.Err(); err != nil {
		return sinkError(s.Name(), err)
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return sinkError(s.Name(), fmt.Errorf("marshal alert: %w", err))
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(alertKey(alert), data)
	})
	if err != nil {
		return sinkError(s.Name(), fmt.Errorf("set alert: %w", err))
	}
	return nil
}

// List returns up to limit alerts, newest first. limit <= 0 returns everything.
func (s *BadgerSink) List(limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}
	alerts := make([]model.Alert, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(alertKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(alertKeyPrefix), 0xff)
		for it.Seek(seek); it.Valid() && len(alerts) < limit; it.Next() {
			var alert model.Alert
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &alert)
			})
			if err != nil {
				return fmt.Errorf("decode alert %s: %w", it.Item().Key(), err)
			}
			alerts = append(alerts, alert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *BadgerSink) Close() error {
	return s.db.Close()
}
