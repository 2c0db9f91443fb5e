// Package accnt tracks per-env CPU accounting (user time, system time) and
// periodically exports it as a github.com/google/pprof profile so an
// operator can point the pprof tool at a dumped snapshot to see which envs
// are hogging dispatch. Adapted from biscuit's accnt package; the
// export path is new, there being nothing to export to on bare metal.
package accnt

import (
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"exokernel/defs"
)

// / Accnt_t tracks the nanoseconds an env has spent in user mode versus
// / kernel mode, plus the timestamp accounting was last rolled forward.
type Accnt_t struct {
	sync.Mutex
	Userns int64
	Sysns  int64
	mark   int64
}

// / Now returns the current wall-clock time as Unix nanoseconds, the unit
// / every other method on Accnt_t deals in.
func Now() int64 { return time.Now().UnixNano() }

// / Utadd adds n nanoseconds of user-mode time.
func (a *Accnt_t) Utadd(n int64) {
	a.Lock()
	a.Userns += n
	a.Unlock()
}

// / Systadd adds n nanoseconds of kernel-mode time.
func (a *Accnt_t) Systadd(n int64) {
	a.Lock()
	a.Sysns += n
	a.Unlock()
}

// / Finish rolls accounting forward from the last mark to now, charging the
// / elapsed time to user or kernel mode depending on sys.
func (a *Accnt_t) Finish(sys bool) {
	n := Now()
	a.Lock()
	d := n - a.mark
	if d < 0 {
		d = 0
	}
	if sys {
		a.Sysns += d
	} else {
		a.Userns += d
	}
	a.mark = n
	a.Unlock()
}

// / Fetch returns a snapshot of (user ns, sys ns).
func (a *Accnt_t) Fetch() (int64, int64) {
	a.Lock()
	defer a.Unlock()
	return a.Userns, a.Sysns
}

// / Add merges another Accnt_t's totals into this one, used when an env's
// / accounting is folded into its parent's on destroy.
func (a *Accnt_t) Add(o *Accnt_t) {
	ou, os := o.Fetch()
	a.Lock()
	a.Userns += ou
	a.Sysns += os
	a.Unlock()
}

// / Sample is one env's accounting row as exported to a profile.
type Sample struct {
	EnvId   defs.EnvId_t
	Userns  int64
	Sysns   int64
}

// / Export builds a github.com/google/pprof profile.Profile with one sample
// / per row, using two sample types, "user" and "sys", both in nanoseconds,
// / so each sample carries two values and `pprof -top` groups by env id label.
func Export(rows []Sample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		TimeNanos: Now(),
	}
	fn := &profile.Function{ID: 1, Name: "env"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = append(p.Function, fn)
	p.Location = append(p.Location, loc)

	for i, r := range rows {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{r.Userns, r.Sysns},
			Label: map[string][]string{
				"envid": {envLabel(r.EnvId)},
			},
			NumLabel: map[string][]int64{
				"slot": {int64(i)},
			},
		})
	}
	return p
}

func envLabel(id defs.EnvId_t) string {
	return "env-" + itoa(int32(id))
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
