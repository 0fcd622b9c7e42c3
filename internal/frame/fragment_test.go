package frame

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSmallPacket(t *testing.T) {
	frags := SplitPacket([]byte{1, 2, 3})
	require.Len(t, frags, 1)
	assert.Equal(t, FlagFirstFrag|FlagLastFrag, frags[0].Flags)

	frags = SplitPacket(nil)
	require.Len(t, frags, 1)
	assert.Equal(t, FlagFirstFrag|FlagLastFrag, frags[0].Flags)
}

func TestSplitAndReassemble(t *testing.T) {
	pkt := make([]byte, MaxBodySize*2+10)
	rand.Read(pkt)
	frags := SplitPacket(pkt)
	require.Len(t, frags, 3)
	assert.Equal(t, FlagFirstFrag, frags[0].Flags)
	assert.Equal(t, Flags(0), frags[1].Flags)
	assert.Equal(t, FlagLastFrag, frags[2].Flags)

	var r Reassembler
	for i, frag := range frags {
		got, done, err := r.Push(NewDataFrame(frag.Body, frag.Flags))
		assert.NoError(t, err)
		if i < len(frags)-1 {
			assert.False(t, done)
			continue
		}
		assert.True(t, done)
		assert.True(t, bytes.Equal(pkt, got))
	}
}

func TestReassemblerOrphans(t *testing.T) {
	var r Reassembler
	_, done, err := r.Push(NewDataFrame([]byte{1}, 0))
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrOrphanFragment)

	_, done, err = r.Push(NewDataFrame([]byte{1}, FlagLastFrag))
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrOrphanFragment)
}

func TestReassemblerRestart(t *testing.T) {
	var r Reassembler
	_, _, err := r.Push(NewDataFrame([]byte{1, 1}, FlagFirstFrag))
	require.NoError(t, err)

	got, done, err := r.Push(NewDataFrame([]byte{2}, FlagFirstFrag|FlagLastFrag))
	assert.ErrorIs(t, err, ErrAbandonedPacket)
	assert.True(t, done)
	assert.Equal(t, []byte{2}, got)
}

func TestReassemblerLimit(t *testing.T) {
	var r Reassembler
	body := make([]byte, MaxBodySize)
	_, _, err := r.Push(NewDataFrame(body, FlagFirstFrag))
	require.NoError(t, err)
	for i := 0; i < MaxPacketSize/MaxBodySize; i++ {
		_, _, err = r.Push(NewDataFrame(body, 0))
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	_, _, err = r.Push(NewDataFrame(body, FlagLastFrag))
	assert.ErrorIs(t, err, ErrOrphanFragment)
}
