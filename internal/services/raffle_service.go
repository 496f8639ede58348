package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"raffle/internal/metrics"
	"raffle/internal/models"

	"github.com/google/logger"
	"github.com/google/uuid"
)

var (
	ErrRaffleNotFound   = errors.New("raffle not found")
	ErrRaffleInactive   = errors.New("raffle is not active")
	ErrNumberOutOfRange = errors.New("number is outside the raffle board")
	ErrNumberTaken      = errors.New("number is already sold")
	ErrEmptySelection   = errors.New("no numbers selected")
	ErrInvalidRaffle    = errors.New("invalid raffle")
)

// ErrReferencesUnavailable is returned by Purchase when the allocator can only
// hand out placeholder references.
var ErrReferencesUnavailable = errors.New("ticket references are unavailable")

// WalletSession holds the numbers a visitor has picked and the tickets they bought.
type WalletSession struct {
	// Selections maps a raffle ID to the set of picked board numbers.
	Selections   map[string]map[int]bool
	Tickets      []models.Ticket
	LastActivity time.Time
}

type raffleEntry struct {
	raffle models.Raffle
	// sold maps a board number to the reference of its ticket; "" while a
	// purchase is waiting for its references.
	sold map[int]string
}

// RaffleService manages the raffle catalog and the wallet sessions of visitors.
type RaffleService struct {
	mu       sync.RWMutex
	raffles  map[string]*raffleEntry
	order    []string
	sessions map[string]*WalletSession // Key: session ID

	allocator *RaffleManager
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRaffleService creates an empty catalog backed by allocator for references.
func NewRaffleService(allocator *RaffleManager, m *metrics.Metrics) *RaffleService {
	if m == nil {
		m = metrics.New(nil)
	}
	return &RaffleService{
		raffles:   make(map[string]*raffleEntry),
		sessions:  make(map[string]*WalletSession),
		allocator: allocator,
		metrics:   m,
		now:       time.Now,
	}
}

// getSession returns the wallet for sessionID, creating one if it doesn't exist.
// Callers must hold s.mu.
func (s *RaffleService) getSession(sessionID string) *WalletSession {
	session, exists := s.sessions[sessionID]
	if !exists {
		session = &WalletSession{
			Selections: make(map[string]map[int]bool),
			Tickets:    make([]models.Ticket, 0),
		}
		s.sessions[sessionID] = session
	}
	session.LastActivity = s.now()
	return session
}

func (e *raffleEntry) snapshot() models.Raffle {
	r := e.raffle
	r.Sold = make([]int, 0, len(e.sold))
	for n := range e.sold {
		r.Sold = append(r.Sold, n)
	}
	sort.Ints(r.Sold)
	return r
}

// AddRaffle adds a new, inactive raffle to the catalog.
func (s *RaffleService) AddRaffle(title, description string, mode models.Mode, price float64) (models.Raffle, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Raffle{}, fmt.Errorf("%w: title is required", ErrInvalidRaffle)
	}
	if !mode.Valid() {
		return models.Raffle{}, fmt.Errorf("%w: %w", ErrInvalidRaffle, models.ErrUnknownMode)
	}
	if price < 0 {
		return models.Raffle{}, fmt.Errorf("%w: price must not be negative", ErrInvalidRaffle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &raffleEntry{
		raffle: models.Raffle{
			ID:          uuid.NewString(),
			Title:       title,
			Description: strings.TrimSpace(description),
			Mode:        mode,
			Price:       price,
			CreatedAt:   s.now(),
		},
		sold: make(map[int]string),
	}
	s.raffles[entry.raffle.ID] = entry
	s.order = append(s.order, entry.raffle.ID)
	return entry.snapshot(), nil
}

// ImportRafflesCSV reads rows of title,description,mode,price. A header row and
// malformed rows are skipped. A read error discards everything imported by this call.
func (s *RaffleService) ImportRafflesCSV(r io.Reader) ([]models.Raffle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var imported []models.Raffle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.removeRaffles(imported)
			return nil, fmt.Errorf("read raffle csv: %w", err)
		}

		if len(record) != 4 {
			logger.Infof("Skipping malformed raffle CSV record: %v", record)
			continue
		}
		if strings.EqualFold(strings.TrimSpace(record[0]), "title") {
			continue
		}
		mode, err := models.ParseMode(record[2])
		if err != nil {
			logger.Infof("Skipping raffle CSV record with invalid mode: %v", record)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if err != nil {
			logger.Infof("Skipping raffle CSV record with invalid price: %v", record)
			continue
		}
		raffle, err := s.AddRaffle(record[0], record[1], mode, price)
		if err != nil {
			logger.Infof("Skipping raffle CSV record %v: %v", record, err)
			continue
		}
		imported = append(imported, raffle)
	}
	return imported, nil
}

func (s *RaffleService) removeRaffles(raffles []models.Raffle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range raffles {
		delete(s.raffles, r.ID)
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.raffles[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// ListRaffles returns the catalog in creation order.
func (s *RaffleService) ListRaffles() []models.Raffle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Raffle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.raffles[id].snapshot())
	}
	return out
}

// GetRaffle returns a single raffle.
func (s *RaffleService) GetRaffle(id string) (models.Raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.raffles[id]
	if !ok {
		return models.Raffle{}, ErrRaffleNotFound
	}
	return entry.snapshot(), nil
}

// ActivateRaffle opens a raffle for sale and assigns its display reference.
// A manual activation previews the reference without consuming it.
func (s *RaffleService) ActivateRaffle(ctx context.Context, id string, manual bool) (models.Raffle, error) {
	s.mu.RLock()
	entry, ok := s.raffles[id]
	var mode models.Mode
	if ok {
		mode = entry.raffle.Mode
	}
	s.mu.RUnlock()
	if !ok {
		return models.Raffle{}, ErrRaffleNotFound
	}

	reference, err := s.allocator.CreateReference(ctx, mode, false, manual)
	if err != nil {
		return models.Raffle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.raffle.Active = true
	entry.raffle.Reference = reference
	logger.Infof("Activated raffle %s (%s) with reference %s", id, mode, reference)
	return entry.snapshot(), nil
}

// PreviewReferences shows the next count references of the raffle's mode.
func (s *RaffleService) PreviewReferences(ctx context.Context, id string, count int) (models.Preview, error) {
	raffle, err := s.GetRaffle(id)
	if err != nil {
		return models.Preview{}, err
	}
	return s.allocator.PeekNext(ctx, raffle.Mode, count)
}

// Select adds number to the session's picks for a raffle.
func (s *RaffleService) Select(sessionID, raffleID string, number int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.activeRaffle(raffleID)
	if err != nil {
		return nil, err
	}
	spec, err := entry.raffle.Mode.Spec()
	if err != nil {
		return nil, err
	}
	if !spec.ValidNumber(number) {
		return nil, ErrNumberOutOfRange
	}
	if _, sold := entry.sold[number]; sold {
		return nil, ErrNumberTaken
	}

	session := s.getSession(sessionID)
	picks := session.Selections[raffleID]
	if picks == nil {
		picks = make(map[int]bool)
		session.Selections[raffleID] = picks
	}
	picks[number] = true
	return sortedNumbers(picks), nil
}

// Unselect removes number from the session's picks.
func (s *RaffleService) Unselect(sessionID, raffleID string, number int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.getSession(sessionID)
	picks := session.Selections[raffleID]
	delete(picks, number)
	return sortedNumbers(picks)
}

// Selection returns the session's picks for a raffle in ascending order.
func (s *RaffleService) Selection(sessionID, raffleID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedNumbers(s.getSession(sessionID).Selections[raffleID])
}

// Purchase buys every picked number of the raffle. The numbers are held while
// one committing allocation produces a reference per ticket; if the allocation
// fails they are released again.
func (s *RaffleService) Purchase(ctx context.Context, sessionID, raffleID string) ([]models.Ticket, error) {
	s.mu.Lock()
	entry, err := s.activeRaffle(raffleID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	session := s.getSession(sessionID)
	numbers := sortedNumbers(session.Selections[raffleID])
	if len(numbers) == 0 {
		s.mu.Unlock()
		return nil, ErrEmptySelection
	}
	for _, n := range numbers {
		if _, sold := entry.sold[n]; sold {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrNumberTaken, n)
		}
	}
	for _, n := range numbers {
		entry.sold[n] = ""
	}
	raffle := entry.raffle
	s.mu.Unlock()

	spec, err := raffle.Mode.Spec()
	if err == nil {
		var alloc models.Allocation
		alloc, err = s.allocator.Allocate(ctx, raffle.Mode, false, len(numbers))
		if err == nil && alloc.Placeholder {
			err = ErrReferencesUnavailable
		}
		if err == nil {
			return s.completePurchase(sessionID, entry, spec, numbers, alloc), nil
		}
	}

	s.mu.Lock()
	for _, n := range numbers {
		delete(entry.sold, n)
	}
	s.mu.Unlock()
	return nil, err
}

// completePurchase looks the wallet up again under the lock; the janitor or
// ClearSession may have dropped it while the allocation was in flight.
func (s *RaffleService) completePurchase(sessionID string, entry *raffleEntry, spec models.ModeSpec, numbers []int, alloc models.Allocation) []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	purchasedAt := s.now()
	tickets := make([]models.Ticket, len(numbers))
	for i, n := range numbers {
		ref := spec.FormatReference(alloc.Numbers[i])
		tickets[i] = models.Ticket{
			Reference:   ref,
			RaffleID:    entry.raffle.ID,
			RaffleTitle: entry.raffle.Title,
			Number:      n,
			Display:     spec.DisplayNumber(n),
			Price:       entry.raffle.Price,
			Degraded:    alloc.Degraded,
			PurchasedAt: purchasedAt,
		}
		entry.sold[n] = ref
	}
	session := s.getSession(sessionID)
	session.Tickets = append(session.Tickets, tickets...)
	delete(session.Selections, entry.raffle.ID)
	session.LastActivity = purchasedAt
	s.metrics.Tickets.WithLabelValues(string(spec.Mode)).Add(float64(len(tickets)))
	logger.Infof("Sold %d tickets for raffle %s", len(tickets), entry.raffle.ID)
	return tickets
}

// Tickets returns the tickets bought in a session.
func (s *RaffleService) Tickets(sessionID string) []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.getSession(sessionID)
	out := make([]models.Ticket, len(session.Tickets))
	copy(out, session.Tickets)
	return out
}

// FindTicket looks a ticket up by reference within a session.
func (s *RaffleService) FindTicket(sessionID, reference string) (models.Ticket, bool) {
	for _, t := range s.Tickets(sessionID) {
		if t.Reference == reference {
			return t, true
		}
	}
	return models.Ticket{}, false
}

// CleanUpInactiveSessions removes sessions idle for longer than maxIdle and
// returns how many were removed.
func (s *RaffleService) CleanUpInactiveSessions(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for sessionID, session := range s.sessions {
		if now.Sub(session.LastActivity) > maxIdle {
			delete(s.sessions, sessionID)
			removed++
		}
	}
	if removed > 0 {
		logger.Infof("Removed %d inactive sessions", removed)
	}
	return removed
}

// ClearSession removes all data associated with a session.
func (s *RaffleService) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	logger.Infof("Cleared session: %s", sessionID)
}

// activeRaffle must be called with s.mu held.
func (s *RaffleService) activeRaffle(id string) (*raffleEntry, error) {
	entry, ok := s.raffles[id]
	if !ok {
		return nil, ErrRaffleNotFound
	}
	if !entry.raffle.Active {
		return nil, ErrRaffleInactive
	}
	return entry, nil
}

func sortedNumbers(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
