package models

import "time"

// Raffle is a single raffle offered in the catalog. Sold lists the board
// numbers already purchased.
type Raffle struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Mode        Mode      `json:"mode"`
	Price       float64   `json:"price"`
	Reference   string    `json:"reference,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	Sold        []int     `json:"sold"`
}

// Ticket is a purchased raffle number together with the reference issued for it.
type Ticket struct {
	Reference   string    `json:"reference"`
	RaffleID    string    `json:"raffleId"`
	RaffleTitle string    `json:"raffleTitle"`
	Number      int       `json:"number"`
	Display     string    `json:"display"`
	Price       float64   `json:"price"`
	Degraded    bool      `json:"degraded,omitempty"` // reference came from the random fallback
	PurchasedAt time.Time `json:"purchasedAt"`
}

// Allocation is the result of one allocator call: the raw numbers (not yet
// prefixed) and the played count observed before they were added.
type Allocation struct {
	Numbers     []int64 `json:"numbers"`
	PlayedCount int64   `json:"playedCount"`
	Degraded    bool    `json:"degraded,omitempty"`
	// Placeholder numbers come from a manager without store access and are
	// only fit for rendering.
	Placeholder bool    `json:"placeholder,omitempty"`
}

// Preview is a formatted, non-committing look at the next references.
type Preview struct {
	Refs  []string `json:"refs"`
	Count int64    `json:"count"`
}
