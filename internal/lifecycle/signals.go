package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler funnels termination signals to registered callbacks.
// Callbacks run serialized on dispatch goroutines, never in
// signal-delivery context, and may call Lifecycle.Shutdown without
// deadlocking Stop.
type SignalHandler struct {
	mu        sync.Mutex
	callbacks []func(os.Signal)
	started   bool

	dispatchMu sync.Mutex

	sigChan chan os.Signal
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

func NewSignalHandler() *SignalHandler {
	return &SignalHandler{
		sigChan: make(chan os.Signal, 4),
		done:    make(chan struct{}),
	}
}

// Register adds a callback. Per signal, callbacks run sequentially in
// registration order.
func (h *SignalHandler) Register(fn func(os.Signal)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// Start installs handlers for SIGINT, SIGTERM and SIGHUP.
func (h *SignalHandler) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	h.wg.Add(1)
	go h.loop()
}

// Stop uninstalls the handlers and joins the receive loop. An
// in-flight callback is allowed to finish on its own.
func (h *SignalHandler) Stop() {
	h.stopped.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done)
		h.wg.Wait()
	})
}

func (h *SignalHandler) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case sig := <-h.sigChan:
			go h.dispatch(sig)
		}
	}
}

func (h *SignalHandler) dispatch(sig os.Signal) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	callbacks := make([]func(os.Signal), len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(sig)
	}
}
