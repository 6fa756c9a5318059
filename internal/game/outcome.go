package game

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sru-kri/BidCraft/internal/models"
)

// Engine draws events and outcomes from its own random source.
// It is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine returns an engine seeded with seed. Tests use a fixed seed.
func NewEngine(seed int64) *Engine {
	return &Engine{rnd: rand.New(rand.NewSource(seed))}
}

// NewSeededEngine returns an engine seeded from crypto/rand.
func NewSeededEngine() *Engine {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic("game: read random seed: " + err.Error())
	}
	return NewEngine(int64(binary.LittleEndian.Uint64(b[:])))
}

// SelectEvent draws one event uniformly from the catalog.
func (e *Engine) SelectEvent() Event {
	e.mu.Lock()
	i := e.rnd.Intn(len(catalog))
	e.mu.Unlock()
	return catalog[i]
}

// ComputeOutcome draws the percent change for action a under ev. The result
// is an integer inside the action's inclusive [Min, Max] window.
func (e *Engine) ComputeOutcome(ev Event, a models.Action) int {
	r := ev.Outcomes.For(a)
	e.mu.Lock()
	f := e.rnd.Float64()
	e.mu.Unlock()
	pct := int(math.Floor(float64(r.Min) + f*float64(r.Max-r.Min) + 0.5))
	// guard against a reversed range in a hand-built event
	if pct < r.Min {
		pct = r.Min
	}
	if pct > r.Max {
		pct = r.Max
	}
	return pct
}

// Play resolves one round for a player holding capital.
func (e *Engine) Play(ev Event, a models.Action, capital, round int) Round {
	pct := e.ComputeOutcome(ev, a)
	after := ApplyOutcome(capital, pct)
	return Round{
		Round:         round,
		EventID:       ev.ID,
		EventName:     ev.Name,
		Action:        a,
		Percent:       pct,
		CapitalBefore: capital,
		CapitalAfter:  after,
		Change:        after - capital,
		Eliminated:    Eliminated(after),
	}
}

// ApplyOutcome returns capital + round(capital*pct/100), rounding half away
// from zero. Every caller goes through here so solo and room play agree.
func ApplyOutcome(capital, pct int) int {
	delta := decimal.NewFromInt(int64(capital)).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return capital + int(delta.IntPart())
}

// Eliminated is the elimination predicate.
func Eliminated(capital int) bool {
	return capital <= 0
}

// Round is the resolved result of one action, kept as the player's history.
type Round struct {
	Round         int           `json:"round" bson:"round"`
	EventID       string        `json:"event_id" bson:"event_id"`
	EventName     string        `json:"event_name" bson:"event_name"`
	Action        models.Action `json:"action" bson:"action"`
	Percent       int           `json:"percent" bson:"percent"`
	CapitalBefore int           `json:"capital_before" bson:"capital_before"`
	CapitalAfter  int           `json:"capital_after" bson:"capital_after"`
	Change        int           `json:"change" bson:"change"`
	Eliminated    bool          `json:"eliminated" bson:"eliminated"`
}
