package pigpio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
)

// reportSize is the length of one notification: seqno u16, flags u16,
// tick u32, levels u32.
const reportSize = 12

type watch struct {
	pin     int
	edge    gpio.Edge
	handler gpio.EdgeHandler
}

type call struct {
	w   *watch
	evt gpio.EdgeEvent
}

// notifier owns the notification socket. Edges are found by comparing
// each level report with the previous one.
type notifier struct {
	client *Client
	conn   net.Conn
	handle uint32

	mu      sync.Mutex
	watches map[int][]*watch
	levels  uint32

	done chan struct{}
	once sync.Once
}

func openNotifier(c *Client) (*notifier, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("pigpio: open notification socket: %w", err)
	}
	handle, err := exchange(conn, c.timeout, cmdNOIB, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pigpio: open notification handle: %w", err)
	}
	// reports arrive whenever levels change
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	levels, err := c.readBank()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pigpio: read initial levels: %w", err)
	}

	n := &notifier{
		client:  c,
		conn:    conn,
		handle:  uint32(handle),
		watches: make(map[int][]*watch),
		levels:  levels,
		done:    make(chan struct{}),
	}
	go n.run()
	debug.Verbose("pigpio notification handle %d opened", handle)
	return n, nil
}

func (n *notifier) bitsLocked() uint32 {
	var bits uint32
	for pin, list := range n.watches {
		if len(list) > 0 {
			bits |= 1 << uint(pin)
		}
	}
	return bits
}

func (n *notifier) add(w *watch) error {
	n.mu.Lock()
	n.watches[w.pin] = append(n.watches[w.pin], w)
	bits := n.bitsLocked()
	n.mu.Unlock()

	if _, err := n.client.command(cmdNB, n.handle, bits, nil); err != nil {
		n.drop(w)
		return fmt.Errorf("pigpio: watch pin %d: %w", w.pin, err)
	}
	return nil
}

func (n *notifier) remove(w *watch) error {
	bits := n.drop(w)
	_, err := n.client.command(cmdNB, n.handle, bits, nil)
	return err
}

func (n *notifier) drop(w *watch) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.watches[w.pin]
	for i, x := range list {
		if x == w {
			n.watches[w.pin] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(n.watches[w.pin]) == 0 {
		delete(n.watches, w.pin)
	}
	return n.bitsLocked()
}

func (n *notifier) run() {
	defer close(n.done)
	var buf [reportSize]byte
	for {
		if _, err := io.ReadFull(n.conn, buf[:]); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				debug.Error(fmt.Errorf("pigpio: notification stream: %w", err))
			}
			return
		}
		flags := binary.LittleEndian.Uint16(buf[2:])
		if flags != 0 {
			// watchdog, keep-alive or event report
			continue
		}
		n.dispatch(binary.LittleEndian.Uint32(buf[4:]), binary.LittleEndian.Uint32(buf[8:]))
	}
}

func (n *notifier) dispatch(tick, levels uint32) {
	n.mu.Lock()
	changed := n.levels ^ levels
	n.levels = levels
	var calls []call
	for pin, list := range n.watches {
		bit := uint32(1) << uint(pin)
		if changed&bit == 0 {
			continue
		}
		level := gpio.Level(levels&bit != 0)
		for _, w := range list {
			if w.edge.Matches(level) {
				calls = append(calls, call{w: w, evt: gpio.EdgeEvent{Pin: pin, Level: level, Tick: tick}})
			}
		}
	}
	n.mu.Unlock()

	for _, c := range calls {
		c.w.handler(c.evt)
	}
}

func (n *notifier) close() error {
	var err error
	n.once.Do(func() {
		_, cerr := n.client.command(cmdNC, n.handle, 0, nil)
		err = multierr.Combine(cerr, n.conn.Close())
		<-n.done
	})
	return err
}
