package command

import (
	"testing"

	"github.com/cbeuw/zbncp/internal/frame"
	"github.com/stretchr/testify/assert"
)

func TestCatalog(t *testing.T) {
	c, ok := Lookup(0x0001)
	assert.True(t, ok)
	assert.Equal(t, GetModuleVersion, c)

	assert.True(t, IsBlocking(NCPModuleReset.Req()))
	assert.False(t, IsBlocking(NCPModuleReset.Rsp()))
	assert.False(t, IsBlocking(GetModuleVersion.Req()))
	assert.False(t, IsBlocking(frame.Kind{Type: frame.Request, ID: 0xFFFF}))

	assert.Equal(t, "REQ NcpConfig.GetModuleVersion", Name(GetModuleVersion.Req()))
	assert.Equal(t, "IND 0xbeef", Name(frame.Kind{Type: frame.Indication, ID: 0xBEEF}))
}

func TestRequestPacket(t *testing.T) {
	p := GetZigbeeRole.Request([]byte{1})
	assert.Equal(t, GetZigbeeRole.Req(), p.Kind())
	assert.Equal(t, []byte{1}, p.Data)
}

func TestMatch(t *testing.T) {
	ind := frame.Packet{TSN: 4, Type: frame.Indication, CommandID: APSDEDataInd.ID, Data: []byte{0x01, 0x02, 0x03}}
	rsp := frame.Packet{TSN: 4, Type: frame.Response, CommandID: GetZigbeeRole.ID, StatusCode: 1}

	assert.True(t, Match{}.Matches(ind))
	assert.True(t, Match{}.Matches(rsp))

	m := OfKind(APSDEDataInd.Ind())
	assert.True(t, m.Matches(ind))
	assert.False(t, m.Matches(rsp))

	assert.True(t, OfKind(GetZigbeeRole.Rsp(), APSDEDataInd.Ind()).Matches(rsp))

	assert.True(t, m.WithTSN(4).Matches(ind))
	assert.False(t, m.WithTSN(5).Matches(ind))

	assert.True(t, m.WithDataPrefix([]byte{0x01, 0x02}).Matches(ind))
	assert.False(t, m.WithDataPrefix([]byte{0x02}).Matches(ind))

	assert.True(t, OfKind(GetZigbeeRole.Rsp()).WithStatus(0, 1).Matches(rsp))
	assert.False(t, OfKind(GetZigbeeRole.Rsp()).WithStatus(0, 0).Matches(rsp))
}
