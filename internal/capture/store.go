// Package capture records link traffic to a bbolt database so it can be
// inspected and replayed later. Each run of the driver is one session.
package capture

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")

	ErrSessionNotFound = errors.New("capture session not found")
	ErrStoreClosed     = errors.New("capture store closed")
)

const backlog = 1024

func u64ToB(value uint64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, value)
	return oct
}

// Record is one serialized frame as it crossed the link.
type Record struct {
	Seq     uint64 `cbor:"1,keyasint"`
	Time    int64  `cbor:"2,keyasint"` // unix nanoseconds
	Inbound bool   `cbor:"3,keyasint"`
	Raw     []byte `cbor:"4,keyasint"`
}

func (r Record) At() time.Time { return time.Unix(0, r.Time) }

// entry is a record to write, or a flush request when flushed is set.
type entry struct {
	rec     Record
	flushed chan struct{}
}

type SessionInfo struct {
	ID      string `cbor:"1,keyasint"`
	Started int64  `cbor:"2,keyasint"`
}

// Store writes the frames of one session in the background so that recording
// never holds up the link. Frames offered while the backlog is full are
// dropped and counted.
type Store struct {
	db      *bolt.DB
	session string

	closeM sync.RWMutex
	closed bool
	queue  chan entry
	done   chan struct{}

	seq     uint64
	dropped uint64
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		session: uuid.New(),
		queue:   make(chan entry, backlog),
		done:    make(chan struct{}),
	}
	info, err := cbor.Marshal(SessionInfo{ID: s.session, Started: time.Now().UnixNano()})
	if err != nil {
		db.Close()
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(sessionsBucket)
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(s.session), info); err != nil {
			return err
		}
		_, err = tx.CreateBucket([]byte(s.session))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("capturing session %v to %v", s.session, path)
	go s.writer()
	return s, nil
}

func (s *Store) Session() string { return s.session }
func (s *Store) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// RecordFrame queues raw for writing. It never blocks.
func (s *Store) RecordFrame(inbound bool, raw []byte) {
	rec := Record{
		Seq:     atomic.AddUint64(&s.seq, 1),
		Time:    time.Now().UnixNano(),
		Inbound: inbound,
		Raw:     append([]byte(nil), raw...),
	}
	s.closeM.RLock()
	defer s.closeM.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- entry{rec: rec}:
	default:
		if atomic.AddUint64(&s.dropped, 1) == 1 {
			log.Warn("capture backlog full, dropping frames")
		}
	}
}

func (s *Store) writer() {
	defer close(s.done)
	var batch []Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			log.Errorf("failed to write %v captured frames: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	for e := range s.queue {
		if e.flushed == nil {
			batch = append(batch, e.rec)
		}
		// keep batching while more is already queued
		if e.flushed == nil && len(s.queue) > 0 && len(batch) < backlog {
			continue
		}
		flush()
		if e.flushed != nil {
			close(e.flushed)
		}
	}
	flush()
}

func (s *Store) write(batch []Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(s.session))
		if bucket == nil {
			return ErrSessionNotFound
		}
		for _, rec := range batch {
			v, err := cbor.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put(u64ToB(rec.Seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush waits until everything recorded so far has been written.
func (s *Store) Flush() error {
	s.closeM.RLock()
	if s.closed {
		s.closeM.RUnlock()
		return ErrStoreClosed
	}
	flushed := make(chan struct{})
	s.queue <- entry{flushed: flushed}
	s.closeM.RUnlock()
	<-flushed
	return nil
}

// Sessions lists the recorded sessions, oldest first.
func (s *Store) Sessions() ([]SessionInfo, error) {
	return sessions(s.db)
}

// Records calls fn for each record of session in order. Records of the
// current session may lag behind RecordFrame until Flush or Close.
func (s *Store) Records(session string, fn func(Record) error) error {
	return records(s.db, session, fn)
}

// Close writes everything queued and closes the database.
func (s *Store) Close() error {
	s.closeM.Lock()
	if s.closed {
		s.closeM.Unlock()
		return ErrStoreClosed
	}
	s.closed = true
	close(s.queue)
	s.closeM.Unlock()
	<-s.done
	return s.db.Close()
}

func sessions(db *bolt.DB) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(sessionsBucket)
		if meta == nil {
			return nil
		}
		return meta.ForEach(func(k, v []byte) error {
			var info SessionInfo
			if err := cbor.Unmarshal(v, &info); err != nil {
				return err
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSessions(infos)
	return infos, nil
}

func records(db *bolt.DB, session string, fn func(Record) error) error {
	return db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(session))
		if bucket == nil {
			return ErrSessionNotFound
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			return fn(rec)
		})
	})
}
