package capture

import (
	"sort"
	"time"

	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/cbeuw/zbncp/internal/uart"
	bolt "go.etcd.io/bbolt"
)

// Reader opens a capture database without writing to it, so captures can be
// inspected while the driver is not running.
type Reader struct {
	db *bolt.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Sessions() ([]SessionInfo, error) { return sessions(r.db) }

func (r *Reader) Records(session string, fn func(Record) error) error {
	return records(r.db, session, fn)
}

func (r *Reader) Close() error { return r.db.Close() }

type recordSource interface {
	Records(session string, fn func(Record) error) error
}

type ReplayStats struct {
	Records int
	Frames  int
	Packets int
	Invalid int
}

// Replay pushes the recorded bytes of one direction through a fresh
// Synchronizer and Reassembler, and calls fn for every packet they yield.
func Replay(src recordSource, session string, inbound bool, fn func(Record, frame.Packet)) (ReplayStats, error) {
	var stats ReplayStats
	synchronizer := uart.NewSynchronizer()
	var reasm frame.Reassembler
	err := src.Records(session, func(rec Record) error {
		if rec.Inbound != inbound {
			return nil
		}
		stats.Records++
		for _, f := range synchronizer.Feed(rec.Raw) {
			stats.Frames++
			if f.IsAck() {
				continue
			}
			body, done, err := reasm.Push(f)
			if err != nil {
				stats.Invalid++
			}
			if !done {
				continue
			}
			pkt, err := frame.UnmarshalPacket(body)
			if err != nil {
				stats.Invalid++
				continue
			}
			stats.Packets++
			fn(rec, pkt)
		}
		return nil
	})
	return stats, err
}

func sortSessions(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Started < infos[j].Started })
}
