package game

import (
	"encoding/json"
	"fmt"

	"github.com/sru-kri/BidCraft/internal/models"
)

// OutcomeRange is the inclusive percentage window for one action under an event.
type OutcomeRange struct {
	Min         int    `json:"min"`
	Max         int    `json:"max"`
	Description string `json:"description"`
}

// Outcomes holds a range per action. The JSON keys match the action names.
type Outcomes struct {
	Buy  OutcomeRange `json:"BUY"`
	Hold OutcomeRange `json:"HOLD"`
	Sell OutcomeRange `json:"SELL"`
}

// For returns the range for action a. It panics on an unknown action,
// which can only come from a programming error.
func (o Outcomes) For(a models.Action) OutcomeRange {
	switch a {
	case models.ActionBuy:
		return o.Buy
	case models.ActionHold:
		return o.Hold
	case models.ActionSell:
		return o.Sell
	}
	panic(fmt.Sprintf("game: unknown action %q", a))
}

// Event is a market event shown to every player in a round.
type Event struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Icon        string   `json:"icon"`
	Color       string   `json:"color"` // success, danger, warning or info
	Outcomes    Outcomes `json:"outcomes"`
}

// EncodeEvent serializes an event for the room's current_event column.
func EncodeEvent(ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return string(data), nil
}

// DecodeEvent parses a current_event value written by EncodeEvent.
func DecodeEvent(s string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" {
		return Event{}, fmt.Errorf("decode event: missing id")
	}
	return ev, nil
}

var catalog = []Event{
	{
		ID:          "bull_run",
		Name:        "Bull Run",
		Description: "Markets are surging! Stocks hitting all-time highs.",
		Icon:        "📈",
		Color:       "success",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: 15, Max: 35, Description: "Massive gains!"},
			Hold: OutcomeRange{Min: 5, Max: 15, Description: "Steady growth"},
			Sell: OutcomeRange{Min: -20, Max: -5, Description: "Missed the rally!"},
		},
	},
	{
		ID:          "market_crash",
		Name:        "Market Crash",
		Description: "Panic selling! Markets in freefall.",
		Icon:        "📉",
		Color:       "danger",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -40, Max: -20, Description: "Caught the falling knife!"},
			Hold: OutcomeRange{Min: -25, Max: -10, Description: "Portfolio bleeding"},
			Sell: OutcomeRange{Min: 5, Max: 15, Description: "Smart exit!"},
		},
	},
	{
		ID:          "insider_tip",
		Name:        "Insider Tip",
		Description: "You received suspicious information...",
		Icon:        "🤫",
		Color:       "warning",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -30, Max: 50, Description: "High risk, high reward!"},
			Hold: OutcomeRange{Min: -5, Max: 5, Description: "Played it safe"},
			Sell: OutcomeRange{Min: -15, Max: 20, Description: "Uncertain outcome"},
		},
	},
	{
		ID:          "interest_hike",
		Name:        "Interest Rate Hike",
		Description: "Central bank raises rates. Economic pressure mounting.",
		Icon:        "🏦",
		Color:       "warning",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -20, Max: -5, Description: "Bad timing!"},
			Hold: OutcomeRange{Min: -10, Max: 0, Description: "Weathered the storm"},
			Sell: OutcomeRange{Min: 5, Max: 20, Description: "Perfect exit!"},
		},
	},
	{
		ID:          "fake_news",
		Name:        "Fake News",
		Description: "Markets in chaos! What's real anymore?",
		Icon:        "📰",
		Color:       "danger",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -25, Max: 25, Description: "Pure chaos!"},
			Hold: OutcomeRange{Min: -15, Max: 15, Description: "Confusion reigns"},
			Sell: OutcomeRange{Min: -20, Max: 20, Description: "Random outcome!"},
		},
	},
	{
		ID:          "tech_boom",
		Name:        "Tech Boom",
		Description: "AI revolution! Tech stocks exploding.",
		Icon:        "🚀",
		Color:       "success",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: 20, Max: 45, Description: "Massive tech gains!"},
			Hold: OutcomeRange{Min: 10, Max: 20, Description: "Solid returns"},
			Sell: OutcomeRange{Min: -25, Max: -10, Description: "Missed the rocket!"},
		},
	},
	{
		ID:          "recession_fears",
		Name:        "Recession Fears",
		Description: "Economic indicators flashing red.",
		Icon:        "⚠️",
		Color:       "danger",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -30, Max: -10, Description: "Caught in downturn"},
			Hold: OutcomeRange{Min: -15, Max: -5, Description: "Portfolio suffering"},
			Sell: OutcomeRange{Min: 10, Max: 25, Description: "Escaped in time!"},
		},
	},
	{
		ID:          "merger_rumors",
		Name:        "Merger Rumors",
		Description: "Big acquisition talks in the air.",
		Icon:        "🤝",
		Color:       "info",
		Outcomes: Outcomes{
			Buy:  OutcomeRange{Min: -10, Max: 40, Description: "Risky bet!"},
			Hold: OutcomeRange{Min: -5, Max: 10, Description: "Wait and see"},
			Sell: OutcomeRange{Min: -20, Max: 15, Description: "Mixed signals"},
		},
	},
}

// Catalog returns a copy of the fixed event catalog.
func Catalog() []Event {
	out := make([]Event, len(catalog))
	copy(out, catalog)
	return out
}
