package motion

import (
	"sync"

	"github.com/cjeanneret/telecine/internal/hw/wave"
)

// recordingTx is a wave.Transmitter backed by a real Store that records
// chains, clears and halts without playing anything.
type recordingTx struct {
	store *wave.Store

	mu       sync.Mutex
	addCalls int
	chains   [][]byte
	clears   int
	halts    int
	busy     bool
	single   bool
	busyErr  error
	haltErr  error
	chainErr error
}

func newRecordingTx(capacity int) *recordingTx {
	return &recordingTx{store: wave.NewStore(capacity)}
}

func (r *recordingTx) AddGeneric(pulses []wave.Pulse) error {
	r.mu.Lock()
	r.addCalls++
	r.mu.Unlock()
	r.store.Add(pulses)
	return nil
}

func (r *recordingTx) CreateWave() (wave.ID, error) {
	return r.store.Create()
}

func (r *recordingTx) Clear() error {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
	r.store.Clear()
	return nil
}

func (r *recordingTx) Chain(program []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chainErr != nil {
		return r.chainErr
	}
	r.chains = append(r.chains, append([]byte(nil), program...))
	r.busy = true
	return nil
}

func (r *recordingTx) Busy() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy, r.busyErr
}

func (r *recordingTx) Halt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halts++
	if r.haltErr != nil {
		return r.haltErr
	}
	r.busy = false
	return nil
}

func (r *recordingTx) SingleChain() bool {
	return r.single
}

func (r *recordingTx) setBusy(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = b
}

func (r *recordingTx) chainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chains)
}

func (r *recordingTx) lastChain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chains) == 0 {
		return nil
	}
	return r.chains[len(r.chains)-1]
}

func (r *recordingTx) counts() (adds, clears, halts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addCalls, r.clears, r.halts
}
