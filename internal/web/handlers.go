package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/telecine/internal/logic/motion"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Advance modes accepted by POST /advance.
const (
	ModeContinuous = "continuous"
	ModeCounted    = "counted"
	ModeTrigger    = "trigger"
)

// Motor is the motion controller as driven by the HTTP API.
type Motor interface {
	On() error
	Off()
	Stop()
	AdvanceContinuous(speed float64) error
	AdvanceCounted(ctx context.Context, count int) error
	AdvanceUntilTrigger(ctx context.Context) error
	Direction() motion.Direction
	SetDirection(d motion.Direction)
	FrameCount() int64
	MissedFrames() int64
	FrameSignal() <-chan struct{}
	TriggerEnabled() bool
	State() motion.State
	Speed() float64
	SetSpeed(speed float64) error
}

var _ Motor = (*motion.Controller)(nil)

// AdvanceRequest is the body of POST /advance.
type AdvanceRequest struct {
	Mode  string  `json:"mode"`
	Speed float64 `json:"speed"` // frames per second, 0 keeps the current speed
	Count int     `json:"count"` // frames, counted mode only
}

// ScanRequest is the body of POST /scan.
type ScanRequest struct {
	Frames int `json:"frames"` // 0 scans until stopped
}

// RunScanFunc runs a scan. It is called from the POST /scan handler in a
// goroutine and must return when ctx is cancelled.
type RunScanFunc func(ctx context.Context, req ScanRequest) error

// FrameStatus is the frame counter snapshot served by GET /frame and
// pushed on /frames/ws.
type FrameStatus struct {
	Count     int64   `json:"count"`
	Missed    int64   `json:"missed"`
	Direction string  `json:"direction"`
	State     string  `json:"state"`
	Speed     float64 `json:"speed"`
	Trigger   bool    `json:"trigger"`
	Busy      bool    `json:"busy"`
}

// ValidateAdvance checks an advance request before it reaches the motor.
func ValidateAdvance(req AdvanceRequest) error {
	switch req.Mode {
	case ModeContinuous, ModeCounted, ModeTrigger:
	default:
		return fmt.Errorf("mode must be %s, %s or %s", ModeContinuous, ModeCounted, ModeTrigger)
	}
	if math.IsNaN(req.Speed) || math.IsInf(req.Speed, 0) || req.Speed < 0 {
		return errors.New("speed must be a positive number")
	}
	if req.Mode == ModeCounted && req.Count < 1 {
		return errors.New("count must be >= 1 in counted mode")
	}
	return nil
}

type job struct {
	cancel context.CancelFunc
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Motor       Motor
	RunScan     RunScanFunc
	upgrader    websocket.Upgrader

	jobMu sync.Mutex
	job   *job
	jobs  sync.WaitGroup
}

// NewHandlers creates handlers with the given dependencies.
// If runScan is nil, POST /scan will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, motor Motor, runScan RunScanFunc) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Motor:       motor,
		RunScan:     runScan,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // LAN appliance, any origin
			},
		},
	}
}

// busy reports whether a blocking advance or scan is running.
func (h *Handlers) busy() bool {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	return h.job != nil
}

// startJob runs fn in a goroutine unless another job is running.
func (h *Handlers) startJob(name string, fn func(ctx context.Context) error) bool {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	if h.job != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	h.job = j
	h.jobs.Add(1)

	go func() {
		defer h.jobs.Done()
		err := fn(ctx)
		cancel()

		h.jobMu.Lock()
		if h.job == j {
			h.job = nil
		}
		h.jobMu.Unlock()

		switch {
		case err == nil:
			h.Broadcaster.Broadcast("info", name+" complete")
		case errors.Is(err, context.Canceled), errors.Is(err, motion.ErrStopped):
			h.Broadcaster.Broadcast("info", name+" stopped")
		default:
			h.Broadcaster.Broadcast("error", name+" failed: "+err.Error())
			log.Printf("%s failed: %v", name, err)
		}
	}()
	return true
}

// cancelJob cancels the running job, if any.
func (h *Handlers) cancelJob() {
	h.jobMu.Lock()
	defer h.jobMu.Unlock()
	if h.job != nil {
		h.job.cancel()
	}
}

// Shutdown cancels the running job and waits for it to return.
func (h *Handlers) Shutdown() {
	h.cancelJob()
	h.jobs.Wait()
}

// HandleMotorOn handles POST /motor/on.
func (h *Handlers) HandleMotorOn(w http.ResponseWriter, r *http.Request) {
	if h.busy() {
		http.Error(w, "advance in progress", http.StatusConflict)
		return
	}
	if err := h.Motor.On(); err != nil {
		writeMotorError(w, err)
		return
	}
	h.Broadcaster.Broadcast("info", "Motor on")
	h.writeStatus(w, http.StatusOK)
}

// HandleMotorOff handles POST /motor/off. Any running job is cancelled.
func (h *Handlers) HandleMotorOff(w http.ResponseWriter, r *http.Request) {
	h.cancelJob()
	h.Motor.Off()
	h.Broadcaster.Broadcast("info", "Motor off")
	h.writeStatus(w, http.StatusOK)
}

// HandleMotorStop handles POST /motor/stop. Any running job is cancelled.
func (h *Handlers) HandleMotorStop(w http.ResponseWriter, r *http.Request) {
	h.cancelJob()
	h.Motor.Stop()
	h.writeStatus(w, http.StatusOK)
}

// HandleAdvance handles POST /advance. Continuous mode returns at once;
// counted and trigger modes run in the background until done or stopped.
func (h *Handlers) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateAdvance(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.busy() {
		http.Error(w, "advance in progress", http.StatusConflict)
		return
	}
	if req.Speed > 0 && req.Mode != ModeContinuous {
		if err := h.Motor.SetSpeed(req.Speed); err != nil {
			writeMotorError(w, err)
			return
		}
	}

	switch req.Mode {
	case ModeContinuous:
		speed := req.Speed
		if speed == 0 {
			speed = h.Motor.Speed()
		}
		if err := h.Motor.AdvanceContinuous(speed); err != nil {
			writeMotorError(w, err)
			return
		}
		h.writeStatus(w, http.StatusOK)
		return

	case ModeCounted:
		if !h.startJob(fmt.Sprintf("Advance %d frames", req.Count), func(ctx context.Context) error {
			return h.Motor.AdvanceCounted(ctx, req.Count)
		}) {
			http.Error(w, "advance in progress", http.StatusConflict)
			return
		}

	case ModeTrigger:
		if !h.startJob("Advance to next frame", h.Motor.AdvanceUntilTrigger) {
			http.Error(w, "advance in progress", http.StatusConflict)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleScan handles POST /scan to start a scan.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Frames < 0 {
		http.Error(w, "frames must be >= 0", http.StatusBadRequest)
		return
	}
	if h.RunScan == nil {
		http.Error(w, "scan not configured", http.StatusServiceUnavailable)
		return
	}
	if !h.startJob("Scan", func(ctx context.Context) error { return h.RunScan(ctx, req) }) {
		http.Error(w, "advance in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleGetDirection handles GET /direction.
func (h *Handlers) HandleGetDirection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"direction": h.Motor.Direction().String()})
}

// HandleSetDirection handles PUT /direction.
func (h *Handlers) HandleSetDirection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Direction string `json:"direction"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	d, err := motion.ParseDirection(body.Direction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Motor.SetDirection(d)
	writeJSON(w, http.StatusOK, map[string]string{"direction": d.String()})
}

// HandleFrame handles GET /frame.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, http.StatusOK)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) status() FrameStatus {
	return FrameStatus{
		Count:     h.Motor.FrameCount(),
		Missed:    h.Motor.MissedFrames(),
		Direction: h.Motor.Direction().String(),
		State:     h.Motor.State().String(),
		Speed:     h.Motor.Speed(),
		Trigger:   h.Motor.TriggerEnabled(),
		Busy:      h.busy(),
	}
}

func (h *Handlers) writeStatus(w http.ResponseWriter, code int) {
	writeJSON(w, code, h.status())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeMotorError maps motion errors to HTTP status codes.
func writeMotorError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, motion.ErrInvalidParameter):
		code = http.StatusBadRequest
	case errors.Is(err, motion.ErrNotReady):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}
