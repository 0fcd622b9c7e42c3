// Package command names the NCP commands this driver knows about and provides
// the matching rules used to route inbound packets.
package command

import (
	"fmt"

	"github.com/cbeuw/zbncp/internal/frame"
)

// Command describes one NCP call. Blocking commands change device state in a
// way that must not overlap with another blocking command.
type Command struct {
	Name     string
	ID       uint16
	Blocking bool
}

func (c Command) Req() frame.Kind { return frame.Kind{Type: frame.Request, ID: c.ID} }
func (c Command) Rsp() frame.Kind { return frame.Kind{Type: frame.Response, ID: c.ID} }
func (c Command) Ind() frame.Kind { return frame.Kind{Type: frame.Indication, ID: c.ID} }

// Request builds a request packet for c. The TSN is assigned when it is sent.
func (c Command) Request(data []byte) frame.Packet {
	return frame.Packet{
		Version:   frame.ProtocolVersion,
		Type:      frame.Request,
		CommandID: c.ID,
		Data:      data,
	}
}

var catalog = map[uint16]Command{}

func register(c Command) Command {
	if _, dup := catalog[c.ID]; dup {
		panic(fmt.Sprintf("command 0x%04x registered twice", c.ID))
	}
	catalog[c.ID] = c
	return c
}

var (
	GetModuleVersion     = register(Command{Name: "NcpConfig.GetModuleVersion", ID: 0x0001})
	NCPModuleReset       = register(Command{Name: "NcpConfig.NCPModuleReset", ID: 0x0002, Blocking: true})
	GetZigbeeRole        = register(Command{Name: "NcpConfig.GetZigbeeRole", ID: 0x0004})
	SetZigbeeRole        = register(Command{Name: "NcpConfig.SetZigbeeRole", ID: 0x0005})
	GetZigbeeChannelMask = register(Command{Name: "NcpConfig.GetZigbeeChannelMask", ID: 0x0006})
	SetZigbeeChannelMask = register(Command{Name: "NcpConfig.SetZigbeeChannelMask", ID: 0x0007})
	GetZigbeeChannel     = register(Command{Name: "NcpConfig.GetZigbeeChannel", ID: 0x0008})
	GetPanID             = register(Command{Name: "NcpConfig.GetShortPANID", ID: 0x0009})
	SetPanID             = register(Command{Name: "NcpConfig.SetShortPANID", ID: 0x000A})
	GetLocalIEEE         = register(Command{Name: "NcpConfig.GetLocalIEEE", ID: 0x000B})

	APSDEDataReq = register(Command{Name: "APS.DataReq", ID: 0x0301})
	APSDEDataInd = register(Command{Name: "APS.DataInd", ID: 0x0306})

	ZDODevAnnceInd = register(Command{Name: "ZDO.DevAnnceInd", ID: 0x0223})

	NwkFormation             = register(Command{Name: "NWK.Formation", ID: 0x0401, Blocking: true})
	NwkDiscovery             = register(Command{Name: "NWK.Discovery", ID: 0x0402, Blocking: true})
	NwkPermitJoining         = register(Command{Name: "NWK.PermitJoining", ID: 0x0404})
	NwkLeaveInd              = register(Command{Name: "NWK.LeaveInd", ID: 0x0407})
	NwkStartWithoutFormation = register(Command{Name: "NWK.StartWithoutFormation", ID: 0x0409, Blocking: true})
)

// Lookup returns the catalog entry for a command id.
func Lookup(id uint16) (Command, bool) {
	c, ok := catalog[id]
	return c, ok
}

// IsBlocking reports whether requests of kind k take the blocking lock.
func IsBlocking(k frame.Kind) bool {
	c, ok := catalog[k.ID]
	return ok && c.Blocking && k.Type == frame.Request
}

// Name renders a kind with its catalog name when known.
func Name(k frame.Kind) string {
	if c, ok := catalog[k.ID]; ok {
		return fmt.Sprintf("%v %v", k.Type, c.Name)
	}
	return k.String()
}
