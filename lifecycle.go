package precache

import (
	"context"
	"net/http"
	"sync"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// The install phase failed; the worker never becomes active.
	StateRedundant State = "redundant"
)

// Registration drives a worker through its lifecycle and routes requests
// to it once it is active.
type Registration struct {
	worker *Worker
	mutex  *sync.RWMutex
	state  State
	// serializes Register calls
	registerMutex *sync.Mutex
}

func NewRegistration(w *Worker) *Registration {
	return &Registration{
		worker:        w,
		mutex:         &sync.RWMutex{},
		state:         StateParsed,
		registerMutex: &sync.Mutex{},
	}
}

// State returns the current lifecycle state.
func (r *Registration) State() State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.state
}

func (r *Registration) setState(s State) {
	r.mutex.Lock()
	r.state = s
	r.mutex.Unlock()
	r.worker.log.Debug().Str("state", string(s)).Msg("Lifecycle state changed")
}

// Register runs the install phase and, if it succeeds, the activate phase.
// The install phase is held until every precache fetch has settled.
// On install failure the install error is returned. A registration that was
// never active becomes redundant; an active one stays active and keeps
// serving the bucket contents of its last successful install.
func (r *Registration) Register(ctx context.Context) error {
	r.registerMutex.Lock()
	defer r.registerMutex.Unlock()

	if r.State() == StateActivated {
		return r.update(ctx)
	}

	r.setState(StateInstalling)
	if err := r.worker.Install(ctx); err != nil {
		r.setState(StateRedundant)
		return err
	}
	r.setState(StateInstalled)

	r.setState(StateActivating)
	if err := r.worker.Activate(ctx); err != nil {
		r.setState(StateRedundant)
		return err
	}
	r.setState(StateActivated)
	return nil
}

// update reinstalls an active registration.
// The state stays activated throughout, so requests keep being intercepted.
func (r *Registration) update(ctx context.Context) error {
	r.worker.log.Debug().Msg("Updating active registration")
	if err := r.worker.Install(ctx); err != nil {
		r.worker.log.Warn().Err(err).Msg("Update failed, keeping active version")
		return err
	}
	return r.worker.Activate(ctx)
}

// ServeHTTP implements the http.Handler interface.
// Requests are intercepted by the worker only when it is activated,
// otherwise they go straight to the network.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.State() == StateActivated {
		r.worker.ServeHTTP(w, req)
		return
	}
	cs := CacheStatus{}
	cs.Forward(FwdReasonBypass)
	res, err := r.worker.network(req.Context(), req)
	r.worker.send(w, req, res, err, cs)
}
