package xinbox

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// MessageID is a 64-bit identifier whose numeric order is the delivery order.
//
// Layout, most significant first:
//
//	bit  63     always zero
//	bits 60-62  priority
//	bits 20-59  milliseconds since Epoch
//	bits 12-19  machine id
//	bits  0-11  sequence within the millisecond
type MessageID int64

// NoCursor is the cursor value meaning "nothing consumed yet".
const NoCursor MessageID = 0

const (
	sequenceBits  = 12
	machineBits   = 8
	timestampBits = 40
	priorityBits  = 3

	machineShift   = sequenceBits
	timestampShift = machineShift + machineBits
	priorityShift  = timestampShift + timestampBits

	sequenceMask  = 1<<sequenceBits - 1
	machineMask   = 1<<machineBits - 1
	timestampMask = 1<<timestampBits - 1
	priorityMask  = 1<<priorityBits - 1

	// MaxMachineID is the largest machine id that fits the layout.
	MaxMachineID = machineMask
	// MaxSequence is the last sequence number available within one millisecond.
	MaxSequence = sequenceMask
)

// Epoch is the zero point of the id timestamp field.
var Epoch = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

// BuildMessageID packs the fields into an id. Out-of-range fields are masked.
func BuildMessageID(p Priority, ms int64, machine uint16, seq uint16) MessageID {
	return MessageID(int64(p&priorityMask)<<priorityShift |
		(ms&timestampMask)<<timestampShift |
		int64(machine&machineMask)<<machineShift |
		int64(seq&sequenceMask))
}

func (id MessageID) Priority() Priority { return Priority(int64(id) >> priorityShift & priorityMask) }

// Millis returns the timestamp field (ms since Epoch).
func (id MessageID) Millis() int64 { return int64(id) >> timestampShift & timestampMask }

func (id MessageID) Timestamp() time.Time {
	return Epoch.Add(time.Duration(id.Millis()) * time.Millisecond)
}

func (id MessageID) Machine() uint16  { return uint16(int64(id) >> machineShift & machineMask) }
func (id MessageID) Sequence() uint16 { return uint16(int64(id) & sequenceMask) }

// suffix drops the priority bits; it is what a generator keeps monotonic.
func (id MessageID) suffix() int64 { return int64(id) &^ (priorityMask << priorityShift) }

func (id MessageID) String() string { return fmt.Sprintf("%d", int64(id)) }

// IDGenerator issues MessageIDs for one machine id. Safe for concurrent use.
type IDGenerator struct {
	machine uint16
	now     func() time.Time

	mu      sync.Mutex
	lastMs  int64
	lastSeq uint16
	started bool
}

// IDGeneratorOption configures an IDGenerator.
type IDGeneratorOption func(*IDGenerator)

// WithTimeSource overrides the wall clock used for the timestamp field.
func WithTimeSource(now func() time.Time) IDGeneratorOption {
	return func(g *IDGenerator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGeneratorClock reads time from an xclock.Clock.
func WithGeneratorClock(c xclock.Clock) IDGeneratorOption {
	return func(g *IDGenerator) {
		if c != nil {
			g.now = c.Now
		}
	}
}

// NewIDGenerator returns a generator for machineID, which must not exceed MaxMachineID.
func NewIDGenerator(machineID uint16, opts ...IDGeneratorOption) (*IDGenerator, error) {
	if machineID > MaxMachineID {
		return nil, &ConfigurationError{
			Field:  "machine_id",
			Reason: fmt.Sprintf("must be in [0, %d], got %d", MaxMachineID, machineID),
		}
	}
	g := &IDGenerator{machine: machineID, now: xclock.Default().Now}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g, nil
}

// MachineID returns the machine id embedded in every issued id.
func (g *IDGenerator) MachineID() uint16 { return g.machine }

// NextID issues a new id carrying priority p.
//
// Ids issued by one generator never repeat and their non-priority bits strictly
// increase. A clock that stands still or steps back reuses the last
// millisecond; once its sequence space is spent NextID waits for the clock to
// pass it.
func (g *IDGenerator) NextID(p Priority) (MessageID, error) {
	if !p.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(p))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	var seq uint16
	switch {
	case !g.started || ms > g.lastMs:
		seq = 0
	case g.lastSeq < MaxSequence:
		seq = g.lastSeq + 1
	default:
		for ms <= g.lastMs {
			time.Sleep(100 * time.Microsecond)
			ms = g.millis()
		}
		seq = 0
	}

	g.started = true
	g.lastMs = ms
	g.lastSeq = seq
	return BuildMessageID(p, ms, g.machine, seq), nil
}

func (g *IDGenerator) millis() int64 {
	ms := g.now().Sub(Epoch).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// MachineIDFromNetwork derives a machine id from the last octet of the first
// non-loopback IPv4 address. It returns 1 when no such address exists.
func MachineIDFromNetwork() uint16 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 1
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return uint16(ip4[3])
		}
	}
	return 1
}
