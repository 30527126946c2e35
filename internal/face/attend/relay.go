package attend

import (
	"sync"
	"time"

	"github.com/facegate/presence/internal/httputil"
	"github.com/facegate/presence/internal/monitoring"
)

// Relay pulses the door relay when an attendance mark lands. Fire and
// forget: the mark must never wait on relay hardware.
type Relay struct {
	url         string
	minInterval time.Duration
	client      httputil.HTTPClient
	now         func() time.Time

	mu       sync.Mutex
	lastFire map[string]time.Time // per camera
}

// NewRelay returns a relay trigger. An empty url disables it.
func NewRelay(url string, minInterval time.Duration, client httputil.HTTPClient, now func() time.Time) *Relay {
	if client == nil {
		client = httputil.NewTimeoutClient(400 * time.Millisecond)
	}
	if now == nil {
		now = time.Now
	}
	return &Relay{
		url:         url,
		minInterval: minInterval,
		client:      client,
		now:         now,
		lastFire:    make(map[string]time.Time),
	}
}

// TurnOn fires the relay for a camera, debounced per camera. Returns
// whether a request was dispatched.
func (r *Relay) TurnOn(cameraID string) bool {
	if r.url == "" {
		return false
	}

	r.mu.Lock()
	now := r.now()
	if last, ok := r.lastFire[cameraID]; ok && now.Sub(last) < r.minInterval {
		r.mu.Unlock()
		return false
	}
	r.lastFire[cameraID] = now
	r.mu.Unlock()

	go func() {
		resp, err := r.client.Get(r.url)
		if err != nil {
			monitoring.Logf("[RELAY] on failed cam=%s: %v", cameraID, err)
			return
		}
		resp.Body.Close()
	}()
	return true
}
