package httpx

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/duderino/everscale-sub002/internal/obs"
)

// statusClasses indexes counts by the hundreds digit of the status code.
// Index 0 counts transactions that ended without a status.
const statusClasses = 6

func statusClass(code int) int {
	if c := code / 100; c > 0 && c < statusClasses {
		return c
	}
	return 0
}

func classLabel(c int) string {
	if c == 0 {
		return "none"
	}
	return strconv.Itoa(c) + "xx"
}

// ClientCounters counts ended client transactions by phase and status
// class.
type ClientCounters struct {
	phases  [ClientEnd + 1]atomic.Int64
	classes [statusClasses]atomic.Int64
}

func (c *ClientCounters) Phase(p ClientPhase) int64 {
	if int(p) >= len(c.phases) {
		return 0
	}
	return c.phases[p].Load()
}

// StatusClass returns the count for class 1 through 5, or 0 for
// transactions without a response.
func (c *ClientCounters) StatusClass(class int) int64 {
	if class < 0 || class >= statusClasses {
		return 0
	}
	return c.classes[class].Load()
}

func (c *ClientCounters) Total() int64 {
	var n int64
	for i := range c.phases {
		n += c.phases[i].Load()
	}
	return n
}

// Failures counts transactions that ended before ClientEnd.
func (c *ClientCounters) Failures() int64 { return c.Total() - c.Phase(ClientEnd) }

// ServerCounters counts ended server transactions by phase and status
// class.
type ServerCounters struct {
	phases  [ServerEnd + 1]atomic.Int64
	classes [statusClasses]atomic.Int64
}

func (c *ServerCounters) Phase(p ServerPhase) int64 {
	if int(p) >= len(c.phases) {
		return 0
	}
	return c.phases[p].Load()
}

func (c *ServerCounters) StatusClass(class int) int64 {
	if class < 0 || class >= statusClasses {
		return 0
	}
	return c.classes[class].Load()
}

func (c *ServerCounters) Total() int64 {
	var n int64
	for i := range c.phases {
		n += c.phases[i].Load()
	}
	return n
}

func (c *ServerCounters) Failures() int64 { return c.Total() - c.Phase(ServerEnd) }

// Counters aggregates both sides across every reactor of a stack and
// mirrors each count to a Meter.
type Counters struct {
	Client ClientCounters
	Server ServerCounters
	meter  obs.Meter
}

func NewCounters(meter obs.Meter) *Counters {
	if meter == nil {
		meter = obs.NopMeter{}
	}
	return &Counters{meter: meter}
}

func (c *Counters) clientEnded(t *ClientTransaction, phase ClientPhase, now time.Time) {
	class := statusClass(t.Response.StatusCode)
	if phase != ClientEnd {
		class = 0
	}
	c.Client.phases[phase].Add(1)
	c.Client.classes[class].Add(1)
	c.meter.Counter("everscale_client_transactions_total", 1,
		obs.Label{Key: "phase", Value: phase.String()},
		obs.Label{Key: "status", Value: classLabel(class)})
	if !t.Start.IsZero() {
		c.meter.Histogram("everscale_transaction_seconds", now.Sub(t.Start).Seconds(),
			obs.Label{Key: "side", Value: "client"})
	}
}

func (c *Counters) serverEnded(t *ServerTransaction, phase ServerPhase, now time.Time) {
	class := 0
	if phase >= ServerSendHeaders {
		class = statusClass(t.Response.StatusCode)
	}
	c.Server.phases[phase].Add(1)
	c.Server.classes[class].Add(1)
	c.meter.Counter("everscale_server_transactions_total", 1,
		obs.Label{Key: "phase", Value: phase.String()},
		obs.Label{Key: "status", Value: classLabel(class)})
	if !t.Start.IsZero() {
		c.meter.Histogram("everscale_transaction_seconds", now.Sub(t.Start).Seconds(),
			obs.Label{Key: "side", Value: "server"})
	}
}

// LogSummary writes one line per side with the non-zero counts.
func (c *Counters) LogSummary(l obs.Logger) {
	if n := c.Client.Total(); n > 0 {
		l.Logf(obs.Info, "client transactions: %d ok, %d failed%s%s", c.Client.Phase(ClientEnd), c.Client.Failures(),
			clientPhases(&c.Client), classes(c.Client.StatusClass))
	}
	if n := c.Server.Total(); n > 0 {
		l.Logf(obs.Info, "server transactions: %d ok, %d failed%s%s", c.Server.Phase(ServerEnd), c.Server.Failures(),
			serverPhases(&c.Server), classes(c.Server.StatusClass))
	}
}

func clientPhases(c *ClientCounters) string {
	var out string
	for p := ClientBegin; p < ClientEnd; p++ {
		if n := c.Phase(p); n > 0 {
			out += " " + p.String() + "=" + strconv.FormatInt(n, 10)
		}
	}
	return out
}

func serverPhases(c *ServerCounters) string {
	var out string
	for p := ServerBegin; p < ServerEnd; p++ {
		if n := c.Phase(p); n > 0 {
			out += " " + p.String() + "=" + strconv.FormatInt(n, 10)
		}
	}
	return out
}

func classes(get func(int) int64) string {
	var out string
	for i := 0; i < statusClasses; i++ {
		if n := get(i); n > 0 {
			out += " " + classLabel(i) + "=" + strconv.FormatInt(n, 10)
		}
	}
	return out
}
