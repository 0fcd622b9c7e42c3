package capture

import (
	"path/filepath"
	"testing"

	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	path := filepath.Join(t.TempDir(), "capture.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestRecordAndRead(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.RecordFrame(true, []byte{1, 2, 3})
	s.RecordFrame(false, []byte{4})
	require.NoError(t, s.Flush())

	var got []Record
	require.NoError(t, s.Records(s.Session(), func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].Seq)
	assert.True(t, got[0].Inbound)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Raw)
	assert.False(t, got[1].Inbound)
	assert.False(t, got[1].At().IsZero())
}

func TestRecordCopiesInput(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	raw := []byte{1, 2, 3}
	s.RecordFrame(true, raw)
	raw[0] = 9
	require.NoError(t, s.Flush())

	require.NoError(t, s.Records(s.Session(), func(r Record) error {
		assert.Equal(t, []byte{1, 2, 3}, r.Raw)
		return nil
	}))
}

func TestSessionsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	first := s.Session()
	s.RecordFrame(true, []byte{1})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrStoreClosed)
	// recording after close is ignored
	s.RecordFrame(true, []byte{2})

	s, err := Open(path)
	require.NoError(t, err)
	second := s.Session()
	require.NoError(t, s.Close())
	assert.NotEqual(t, first, second)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	infos, err := r.Sessions()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].ID)
	assert.Equal(t, second, infos[1].ID)

	var n int
	require.NoError(t, r.Records(first, func(Record) error { n++; return nil }))
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, r.Records("nope", func(Record) error { return nil }), ErrSessionNotFound)
}

func TestReplay(t *testing.T) {
	s, path := openTemp(t)

	ind := frame.Packet{TSN: 1, Type: frame.Indication, CommandID: 0x0306, Data: []byte{7, 7}}
	raw := frame.NewDataFrame(ind.Marshal(), frame.FlagFirstFrag|frame.FlagLastFrag).Serialize()
	// split across two records the way a read loop might have seen it
	s.RecordFrame(true, raw[:4])
	s.RecordFrame(true, raw[4:])
	s.RecordFrame(true, frame.NewAckFrame(1).Serialize())
	s.RecordFrame(false, frame.NewDataFrame([]byte{1, 2}, frame.FlagFirstFrag|frame.FlagLastFrag).Serialize())
	session := s.Session()
	require.NoError(t, s.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	var got []frame.Packet
	stats, err := Replay(r, session, true, func(_ Record, p frame.Packet) {
		got = append(got, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []frame.Packet{ind}, got)
	assert.Equal(t, ReplayStats{Records: 3, Frames: 2, Packets: 1}, stats)

	stats, err = Replay(r, session, false, func(Record, frame.Packet) {})
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Records: 1, Frames: 1, Invalid: 1}, stats)
}
