// Package pigpio talks to the pigpiod daemon over its socket interface.
// A Client implements both gpio.Driver and wave.Transmitter, so the DMA
// waveform engine of the daemon drives the steppers while edges arrive
// through the notification socket.
package pigpio

import (
	"context"
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
	"github.com/cjeanneret/telecine/internal/hw/wave"
)

// DefaultAddr is where pigpiod listens by default.
const DefaultAddr = "localhost:8888"

// Command numbers of the socket interface.
const (
	cmdMODES = 0
	cmdPUD   = 2
	cmdREAD  = 3
	cmdWRITE = 4
	cmdBR1   = 10
	cmdHWVER = 17
	cmdNB    = 19
	cmdNC    = 21
	cmdWVCLR = 27
	cmdWVAG  = 28
	cmdWVBSY = 32
	cmdWVHLT = 33
	cmdWVCRE = 49
	cmdWVCHA = 93
	cmdNOIB  = 99
)

const (
	headerSize = 16
	pulseSize  = 12
)

// pigpio status codes with a meaning outside this package.
const (
	codeTooManyPulses = -36
	codeBadWaveID     = -66
	codeTooManyCBs    = -67
	codeTooManyOOL    = -68
	codeEmptyWaveform = -69
	codeNoWaveformID  = -70
)

// Error is a negative status returned by the daemon.
type Error struct {
	Cmd  uint32
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("pigpio: command %d failed with status %d", e.Cmd, e.Code)
}

// Unwrap maps waveform memory errors to the wave package sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case codeTooManyPulses, codeTooManyCBs, codeTooManyOOL, codeNoWaveformID:
		return wave.ErrStoreExhausted
	case codeBadWaveID:
		return wave.ErrUnknownWave
	case codeEmptyWaveform:
		return wave.ErrEmptyWave
	default:
		return nil
	}
}

// Options configures a Client.
type Options struct {
	// Timeout bounds each command round trip. 0 selects 2s.
	Timeout time.Duration
}

// Client is a connection to pigpiod.
type Client struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex // serialises commands on conn
	conn net.Conn

	hwver uint32

	notifyMu sync.Mutex
	notify   *notifier
}

var (
	_ gpio.Driver      = (*Client)(nil)
	_ wave.Transmitter = (*Client)(nil)
	_ wave.SingleChain = (*Client)(nil)
)

// Dial connects to the daemon at addr and checks that it answers.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pigpio: connect %s: %w", addr, err)
	}
	c := &Client{addr: addr, timeout: opts.Timeout, conn: conn}

	ver, err := c.command(cmdHWVER, 0, 0, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pigpio: daemon at %s not responding: %w", addr, err)
	}
	c.hwver = uint32(ver)
	debug.Info("Connected to pigpiod at %s (hardware revision %#x)", addr, c.hwver)
	return c, nil
}

// HardwareRevision returns the board revision reported at connect time.
func (c *Client) HardwareRevision() uint32 {
	return c.hwver
}

func encodeHeader(buf []byte, cmd, p1, p2, p3 uint32) {
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], p1)
	binary.LittleEndian.PutUint32(buf[8:], p2)
	binary.LittleEndian.PutUint32(buf[12:], p3)
}

// exchange sends one command on conn and returns the signed result.
func exchange(conn net.Conn, timeout time.Duration, cmd, p1, p2 uint32, ext []byte) (int32, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	msg := make([]byte, headerSize+len(ext))
	encodeHeader(msg, cmd, p1, p2, uint32(len(ext)))
	copy(msg[headerSize:], ext)
	if _, err := conn.Write(msg); err != nil {
		return 0, fmt.Errorf("pigpio: send command %d: %w", cmd, err)
	}

	var resp [headerSize]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return 0, fmt.Errorf("pigpio: read response to %d: %w", cmd, err)
	}
	res := int32(binary.LittleEndian.Uint32(resp[12:]))
	if res < 0 {
		return res, &Error{Cmd: cmd, Code: res}
	}
	return res, nil
}

func (c *Client) command(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, net.ErrClosed
	}
	debug.Trace("pigpio cmd=%d p1=%d p2=%d ext=%d", cmd, p1, p2, len(ext))
	return exchange(c.conn, c.timeout, cmd, p1, p2, ext)
}

func checkPin(pin int) error {
	if pin < 0 || pin > 31 {
		return fmt.Errorf("pigpio: pin %d out of range 0-31", pin)
	}
	return nil
}

func (c *Client) SetupPin(pin int, mode gpio.PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}
	m := uint32(0)
	if mode == gpio.Output {
		m = 1
	}
	_, err := c.command(cmdMODES, uint32(pin), m, nil)
	return err
}

func (c *Client) WritePin(pin int, level gpio.Level) error {
	debug.GPIO("WritePin", pin, level)
	if err := checkPin(pin); err != nil {
		return err
	}
	v := uint32(0)
	if level == gpio.High {
		v = 1
	}
	_, err := c.command(cmdWRITE, uint32(pin), v, nil)
	return err
}

func (c *Client) ReadPin(pin int) (gpio.Level, error) {
	if err := checkPin(pin); err != nil {
		return gpio.Low, err
	}
	res, err := c.command(cmdREAD, uint32(pin), 0, nil)
	if err != nil {
		return gpio.Low, err
	}
	debug.GPIO("ReadPin", pin, res)
	return gpio.Level(res != 0), nil
}

func (c *Client) SetPull(pin int, pull gpio.Pull) error {
	debug.GPIO("SetPull", pin, pull)
	if err := checkPin(pin); err != nil {
		return err
	}
	var pud uint32
	switch pull {
	case gpio.PullDown:
		pud = 1
	case gpio.PullUp:
		pud = 2
	}
	_, err := c.command(cmdPUD, uint32(pin), pud, nil)
	return err
}

// readBank returns the levels of pins 0-31.
func (c *Client) readBank() (uint32, error) {
	res, err := c.command(cmdBR1, 0, 0, nil)
	return uint32(res), err
}

// AddGeneric appends pulses to the waveform under construction.
func (c *Client) AddGeneric(pulses []wave.Pulse) error {
	if len(pulses) == 0 {
		return nil
	}
	ext := make([]byte, len(pulses)*pulseSize)
	for i, p := range pulses {
		off := i * pulseSize
		binary.LittleEndian.PutUint32(ext[off:], p.OnMask)
		binary.LittleEndian.PutUint32(ext[off+4:], p.OffMask)
		binary.LittleEndian.PutUint32(ext[off+8:], p.Delay)
	}
	_, err := c.command(cmdWVAG, 0, 0, ext)
	return err
}

func (c *Client) CreateWave() (wave.ID, error) {
	res, err := c.command(cmdWVCRE, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if res > wave.MaxChainWaveID {
		return 0, fmt.Errorf("pigpio: waveform id %d: %w", res, wave.ErrStoreExhausted)
	}
	return wave.ID(res), nil
}

func (c *Client) Clear() error {
	_, err := c.command(cmdWVCLR, 0, 0, nil)
	return err
}

func (c *Client) Chain(program []byte) error {
	if len(program) == 0 {
		return fmt.Errorf("pigpio: %w: empty chain", wave.ErrBadChain)
	}
	_, err := c.command(cmdWVCHA, 0, 0, program)
	return err
}

// SingleChain is always true: the daemon plays one chain at a time and
// WVCHA replaces the running one.
func (c *Client) SingleChain() bool {
	return true
}

func (c *Client) Busy() (bool, error) {
	res, err := c.command(cmdWVBSY, 0, 0, nil)
	return res == 1, err
}

func (c *Client) Halt() error {
	_, err := c.command(cmdWVHLT, 0, 0, nil)
	return err
}

// WatchEdge registers handler for edges on pin via the notification
// socket, opened on first use. Handlers run on the notification reader
// goroutine.
func (c *Client) WatchEdge(pin int, edge gpio.Edge, handler gpio.EdgeHandler) (*gpio.Subscription, error) {
	debug.GPIO("WatchEdge", pin, edge)
	if err := checkPin(pin); err != nil {
		return nil, err
	}
	n, err := c.notifier()
	if err != nil {
		return nil, err
	}
	w := &watch{pin: pin, edge: edge, handler: handler}
	if err := n.add(w); err != nil {
		return nil, err
	}
	return gpio.NewSubscription(func() {
		if err := n.remove(w); err != nil {
			debug.Error(fmt.Errorf("pigpio: unwatch pin %d: %w", pin, err))
		}
	}), nil
}

func (c *Client) notifier() (*notifier, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notify != nil {
		return c.notify, nil
	}
	n, err := openNotifier(c)
	if err != nil {
		return nil, err
	}
	c.notify = n
	return n, nil
}

// Close stops transmission, closes the notification handle and drops
// the connection.
func (c *Client) Close() error {
	debug.Trace("pigpio Close")

	c.notifyMu.Lock()
	n := c.notify
	c.notify = nil
	c.notifyMu.Unlock()

	var err error
	if n != nil {
		err = multierr.Append(err, n.close())
	}
	if herr := c.Halt(); herr != nil && !errors.Is(herr, net.ErrClosed) {
		err = multierr.Append(err, herr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
		c.conn = nil
	}
	return err
}
