package bridge

import (
	"sync"

	"github.com/hazyhaar/meshq/store"
)

// Event flows from the bridge to job listeners. Status events carry the
// whole current state; progress and terminal events carry deltas.
type Event struct {
	Type    string       `json:"type"` // status, progress, complete, failed, error
	JobID   string       `json:"job_id,omitempty"`
	Status  store.Status `json:"status,omitempty"`
	Step    string       `json:"step,omitempty"`
	Pct     int          `json:"pct"`
	Message string       `json:"message,omitempty"`

	QueuePosition int         `json:"queue_position,omitempty"`
	Result        *ResultView `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorStep     string      `json:"error_step,omitempty"`
}

// ResultView is the listener-facing slice of a completed job.
type ResultView struct {
	VertexCount     int     `json:"vertex_count"`
	FaceCount       int     `json:"face_count"`
	IsWatertight    bool    `json:"is_watertight"`
	GenerationTimeS float64 `json:"generation_time_s"`
	STLURL          string  `json:"stl_url"`
	GLBURL          string  `json:"glb_url,omitempty"`
}

// subscriberBuffer bounds each listener's event backlog. A listener that
// falls this far behind is dropped rather than blocking fan-out.
const subscriberBuffer = 16

// Subscriber is one listener's event feed. The channel is closed when the
// registry drops the subscriber.
type Subscriber struct {
	jobID string
	ch    chan Event
}

// C is the event feed. It closes when the subscriber is dropped.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Registry maps job ids to their live listeners.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a listener for one job's events.
func (r *Registry) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{jobID: jobID, ch: make(chan Event, subscriberBuffer)}
	r.mu.Lock()
	set, ok := r.subs[jobID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[jobID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener. Safe to call after a drop.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sub.jobID]
	if !ok {
		return
	}
	if _, live := set[sub]; !live {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(r.subs, sub.jobID)
	}
}

// Publish fans ev out to the job's listeners. A listener whose buffer is
// full is dropped; one slow tab never stalls the worker read pump.
func (r *Registry) Publish(jobID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[jobID]
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			delete(set, sub)
			close(sub.ch)
		}
	}
	if len(set) == 0 {
		delete(r.subs, jobID)
	}
}

// Count returns the number of live listeners for a job.
func (r *Registry) Count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[jobID])
}
