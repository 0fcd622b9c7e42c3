package uart

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

const unlimited = 1<<63 - 1

// Valve paces outbound bytes and counts traffic in both directions. Directions
// are from the host's point of view: rx is NCP to host.
type Valve struct {
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

// MakeValve returns a valve allowing txRate bytes per second. A rate of zero
// or less is unlimited.
func MakeValve(txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetTxRate(txRate)
	return v
}

func (v *Valve) SetTxRate(rate int64) {
	if rate <= 0 {
		rate = unlimited
	}
	v.txtb.Store(ratelimit.NewBucketWithRate(float64(rate), rate))
}

func (v *Valve) txWait(n int)  { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64) { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64) { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64  { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64  { return atomic.LoadInt64(v.tx) }
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}
