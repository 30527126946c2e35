// Package gallery holds the per-company face template matrix and serves
// cosine matching against it.
package gallery

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/monitoring"
)

// Entry is one enrolled template row.
type Entry struct {
	EmployeeID string
	Name       string
	Embedding  face.Embedding
}

// Match is the result of a gallery lookup.
type Match struct {
	Row        int
	EmployeeID string
	Name       string
	Score      float64
	// BestOther is the best score among rows belonging to a different
	// employee than the winner. Used for the distinct-similarity check.
	BestOther float64
}

// NoMatch is returned for an empty gallery.
var NoMatch = Match{Row: -1, Score: -1, BestOther: -1}

// Gallery is a row-normalized template matrix. Matching is a single
// matrix-vector product.
type Gallery struct {
	mu      sync.RWMutex
	m       *mat.Dense
	entries []Entry
	dim     int
}

// New returns an empty gallery.
func New() *Gallery {
	return &Gallery{}
}

// Size returns the number of template rows.
func (g *Gallery) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Replace swaps in a new template set. Embeddings are normalized; rows with
// mismatched dimensions are dropped.
func (g *Gallery) Replace(entries []Entry) {
	var dim int
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			dim = len(e.Embedding)
			break
		}
	}

	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) != dim || dim == 0 {
			continue
		}
		e.Embedding = append(face.Embedding(nil), e.Embedding...).Normalize()
		kept = append(kept, e)
	}

	var m *mat.Dense
	if len(kept) > 0 {
		data := make([]float64, len(kept)*dim)
		for i, e := range kept {
			for j, v := range e.Embedding {
				data[i*dim+j] = float64(v)
			}
		}
		m = mat.NewDense(len(kept), dim, data)
	}

	g.mu.Lock()
	g.m = m
	g.entries = kept
	g.dim = dim
	g.mu.Unlock()
}

// Clear drops all templates.
func (g *Gallery) Clear() {
	g.mu.Lock()
	g.m = nil
	g.entries = nil
	g.dim = 0
	g.mu.Unlock()
}

// Match returns the best-scoring row for the embedding, with the runner-up
// score among other employees. Returns NoMatch when the gallery is empty or
// the dimension does not fit.
func (g *Gallery) Match(emb face.Embedding) Match {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.m == nil || len(emb) != g.dim {
		return NoMatch
	}

	v := mat.NewVecDense(g.dim, nil)
	for i, x := range emb {
		v.SetVec(i, float64(x))
	}
	sims := mat.NewVecDense(len(g.entries), nil)
	sims.MulVec(g.m, v)

	best := -1
	bestScore := -1.0
	for i := 0; i < sims.Len(); i++ {
		if s := sims.AtVec(i); s > bestScore {
			bestScore = s
			best = i
		}
	}
	if best < 0 {
		return NoMatch
	}

	winner := g.entries[best]
	bestOther := -1.0
	for i := 0; i < sims.Len(); i++ {
		if g.entries[i].EmployeeID == winner.EmployeeID {
			continue
		}
		if s := sims.AtVec(i); s > bestOther {
			bestOther = s
		}
	}

	return Match{
		Row:        best,
		EmployeeID: winner.EmployeeID,
		Name:       winner.Name,
		Score:      bestScore,
		BestOther:  bestOther,
	}
}

// Loader fetches the current template set for a company.
type Loader interface {
	LoadTemplates(companyID string) ([]Entry, error)
}

// Store lazily maintains one Gallery per company, refreshed from a Loader.
type Store struct {
	mu      sync.Mutex
	loader  Loader
	refresh time.Duration
	now     func() time.Time

	galleries map[string]*Gallery
	loadedAt  map[string]time.Time
	failing   map[string]bool
}

// NewStore returns a store refreshing at the given interval.
func NewStore(loader Loader, refresh time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		loader:    loader,
		refresh:   refresh,
		now:       now,
		galleries: make(map[string]*Gallery),
		loadedAt:  make(map[string]time.Time),
		failing:   make(map[string]bool),
	}
}

// Ensure returns the gallery for a company, refreshing it when stale. An
// empty company id yields an empty gallery. Load failures keep the previous
// templates and log once per outage.
func (s *Store) Ensure(companyID string) *Gallery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.galleries[companyID]
	if g == nil {
		g = New()
		s.galleries[companyID] = g
	}
	if companyID == "" {
		return g
	}

	now := s.now()
	if last, ok := s.loadedAt[companyID]; ok && now.Sub(last) < s.refresh {
		return g
	}
	s.loadedAt[companyID] = now

	entries, err := s.loader.LoadTemplates(companyID)
	if err != nil {
		if !s.failing[companyID] {
			monitoring.Logf("[Gallery] template load failed company=%s: %v", companyID, err)
			s.failing[companyID] = true
		}
		return g
	}
	if s.failing[companyID] {
		monitoring.Logf("[Gallery] template load recovered company=%s (%d rows)", companyID, len(entries))
		s.failing[companyID] = false
	}
	g.Replace(entries)
	return g
}
