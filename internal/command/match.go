package command

import (
	"bytes"

	"github.com/cbeuw/zbncp/internal/frame"
)

// Match selects inbound packets. A zero Match accepts everything; each set
// field narrows it.
type Match struct {
	// Kinds accepted. Empty accepts any kind.
	Kinds          []frame.Kind
	TSN            *uint8
	StatusCategory *uint8
	StatusCode     *uint8
	DataPrefix     []byte
}

// OfKind matches packets of any of the given kinds.
func OfKind(kinds ...frame.Kind) Match {
	return Match{Kinds: kinds}
}

func (m Match) WithTSN(tsn uint8) Match {
	m.TSN = &tsn
	return m
}

func (m Match) WithStatus(category, code uint8) Match {
	m.StatusCategory = &category
	m.StatusCode = &code
	return m
}

func (m Match) WithDataPrefix(prefix []byte) Match {
	m.DataPrefix = prefix
	return m
}

func (m Match) Matches(p frame.Packet) bool {
	if len(m.Kinds) > 0 {
		found := false
		for _, k := range m.Kinds {
			if k == p.Kind() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.TSN != nil && *m.TSN != p.TSN {
		return false
	}
	if m.StatusCategory != nil && *m.StatusCategory != p.StatusCategory {
		return false
	}
	if m.StatusCode != nil && *m.StatusCode != p.StatusCode {
		return false
	}
	return bytes.HasPrefix(p.Data, m.DataPrefix)
}
