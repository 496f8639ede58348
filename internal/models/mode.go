package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects the numbering scheme of a raffle.
type Mode string

const (
	ModeTwoDigit   Mode = "two-digit"
	ModeThreeDigit Mode = "three-digit"
	ModeInfinite   Mode = "infinite"
)

// CounterCollection is the store collection holding the per-mode counter documents.
const CounterCollection = "internal"

// ErrUnknownMode is returned for a mode outside the mode table.
var ErrUnknownMode = errors.New("unknown raffle mode")

// ModeSpec is the data carried by each Mode: where its counter lives, how the
// counter advances and how numbers are displayed.
type ModeSpec struct {
	Mode      Mode
	CounterID string
	Start     int64
	Step      int64
	Prefix    string
	BoardSize int // 0 means unbounded
	Width     int // zero-pad width of board numbers, 0 for none
}

var modeTable = map[Mode]ModeSpec{
	ModeTwoDigit:   {Mode: ModeTwoDigit, CounterID: "raffleCounterEven", Start: 0, Step: 2, Prefix: "JM", BoardSize: 100, Width: 2},
	ModeThreeDigit: {Mode: ModeThreeDigit, CounterID: "raffleCounterOdd", Start: 1, Step: 2, Prefix: "JM", BoardSize: 1000, Width: 3},
	ModeInfinite:   {Mode: ModeInfinite, CounterID: "raffleCounterInfinite", Start: 1, Step: 1, Prefix: "JM∞"},
}

// Modes lists every known mode in a stable order.
func Modes() []Mode {
	return []Mode{ModeTwoDigit, ModeThreeDigit, ModeInfinite}
}

// ParseMode accepts the canonical names case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeTable[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Spec returns the data for m.
func (m Mode) Spec() (ModeSpec, error) {
	spec, ok := modeTable[m]
	if !ok {
		return ModeSpec{}, fmt.Errorf("%w: %q", ErrUnknownMode, string(m))
	}
	return spec, nil
}

// Valid reports whether m is in the mode table.
func (m Mode) Valid() bool {
	_, ok := modeTable[m]
	return ok
}

// FormatReference renders an allocated number as a display reference.
func (s ModeSpec) FormatReference(n int64) string {
	return s.Prefix + strconv.FormatInt(n, 10)
}

// PlayedCount derives how many references were already issued from the
// counter's current value.
func (s ModeSpec) PlayedCount(current int64) int64 {
	played := (current - s.Start) / s.Step
	if played < 0 {
		return 0
	}
	return played
}

// Sequence returns count numbers starting at from, spaced by the mode step.
func (s ModeSpec) Sequence(from int64, count int) []int64 {
	numbers := make([]int64, count)
	for i := range numbers {
		numbers[i] = from + int64(i)*s.Step
	}
	return numbers
}

// Advance returns the counter value after count numbers were handed out.
func (s ModeSpec) Advance(current int64, count int) int64 {
	return current + int64(count)*s.Step
}

// ValidNumber reports whether n can be sold on this mode's ticket board.
func (s ModeSpec) ValidNumber(n int) bool {
	if s.BoardSize == 0 {
		return n >= 1
	}
	return n >= 0 && n < s.BoardSize
}

// DisplayNumber renders a board number, zero padded for fixed boards.
func (s ModeSpec) DisplayNumber(n int) string {
	if s.Width == 0 {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%0*d", s.Width, n)
}
