package matching

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/repository"
)

// ErrMissingAmount is returned for payments imported without an amount.
// Such rows are skipped by callers, never matched.
var ErrMissingAmount = errors.New("payment has no amount")

// reservationPattern matches a business-key-shaped token: the reservation
// numbering scheme is fixed-width six digits.
var reservationPattern = regexp.MustCompile(`\b\d{6}\b`)

// Config holds the tunable knobs of the candidate generator and scorer.
type Config struct {
	DateWindowBeforeDays int // payment may precede the trip by this many days
	DateWindowAfterDays  int // or follow it by this many
	AmountTolerance      decimal.Decimal
	Epsilon              decimal.Decimal // at or below this, a payment is a balancing entry
	IncludeZeroCharge    bool            // explicit override: keep zero-charge bookings as candidates
	IncludeCancelled     bool            // explicit override: keep cancelled bookings as candidates

	AutoApplyThreshold float64
	ReviewThreshold    float64
	DominanceLead      float64
	AgreementBonus     float64
}

func DefaultConfig() Config {
	return Config{
		DateWindowBeforeDays: 60,
		DateWindowAfterDays:  30,
		AmountTolerance:      decimal.NewFromFloat(0.05),
		Epsilon:              decimal.NewFromFloat(0.05),
		AutoApplyThreshold:   0.90,
		ReviewThreshold:      0.60,
		DominanceLead:        0.20,
		AgreementBonus:       0.05,
	}
}

// Generator proposes booking candidates for an unlinked payment. It only
// reads; all writes happen elsewhere under the safety envelope.
type Generator struct {
	bookings *repository.BookingRepository
	charges  *repository.ChargeRepository
	cfg      Config
}

func NewGenerator(bookings *repository.BookingRepository, charges *repository.ChargeRepository, cfg Config) *Generator {
	return &Generator{bookings: bookings, charges: charges, cfg: cfg}
}

func (g *Generator) Config() Config {
	return g.cfg
}

// Generate evaluates the four matching rules independently, unions the
// results and dedupes by reservation number. An empty result is a normal
// no-signal outcome, not an error.
func (g *Generator) Generate(p *models.Payment) ([]Candidate, error) {
	if !p.Amount.Valid {
		return nil, ErrMissingAmount
	}

	byReservation := make(map[string]*Candidate)
	add := func(b models.Booking, sig Signal) {
		c, ok := byReservation[b.ReservationNo]
		if !ok {
			c = &Candidate{Booking: b}
			byReservation[b.ReservationNo] = c
		}
		c.Signals = append(c.Signals, sig)
	}

	if sig, booking, ok := g.exactKeySignal(p); ok {
		add(*booking, sig)
	}
	for _, m := range g.accountDateSignals(p) {
		add(m.booking, m.signal)
	}
	for _, m := range g.amountSignals(p) {
		add(m.booking, m.signal)
	}
	if sig, booking, ok := g.textReferenceSignal(p); ok {
		add(*booking, sig)
	}

	candidates := make([]Candidate, 0, len(byReservation))
	for _, c := range byReservation {
		if excluded, err := g.excludeZeroCharge(c.Booking); err != nil {
			return nil, err
		} else if excluded {
			continue
		}
		candidates = append(candidates, *c)
	}

	// Stable output order regardless of map iteration.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Booking.ReservationNo < candidates[j].Booking.ReservationNo
	})
	return candidates, nil
}

// excludeZeroCharge drops bookings with no charge rows unless the override
// is set. Cancelled bookings are filtered inside each signal rule.
func (g *Generator) excludeZeroCharge(b models.Booking) (bool, error) {
	if g.cfg.IncludeZeroCharge {
		return false, nil
	}
	sum, err := g.charges.SumForBooking(b.ReservationNo)
	if err != nil {
		return false, err
	}
	return sum.IsZero(), nil
}

type match struct {
	booking models.Booking
	signal  Signal
}

// exactKeySignal parses an explicit "deposit-batch:sub-reference" linkage
// key and resolves the sub-reference against the reservation numbers.
func (g *Generator) exactKeySignal(p *models.Payment) (Signal, *models.Booking, bool) {
	_, ref, ok := ParseLinkageKey(p.LinkageKey)
	if !ok {
		return Signal{}, nil, false
	}
	booking, err := g.bookings.FetchByKey(ref)
	if err != nil || booking == nil || (booking.Cancelled && !g.cfg.IncludeCancelled) {
		return Signal{}, nil, false
	}

	conf := 0.95
	amountDelta := p.Amount.Decimal.Sub(booking.Balance).Abs()
	if amountDelta.LessThanOrEqual(g.cfg.AmountTolerance) {
		conf = 1.0
	}
	return Signal{
		Kind:          SignalExactKey,
		Confidence:    conf,
		DateDeltaDays: g.dateDelta(p, booking),
		AmountDelta:   amountDelta,
		Detail:        fmt.Sprintf("linkage key resolves to %s", ref),
	}, booking, true
}

// accountDateSignals matches on counterparty account plus date proximity.
// Confidence decays linearly with the date delta inside the window.
func (g *Generator) accountDateSignals(p *models.Payment) []match {
	if p.AccountID == "" || p.PaidDate == nil {
		return nil
	}
	from := p.PaidDate.AddDate(0, 0, -g.cfg.DateWindowAfterDays)
	to := p.PaidDate.AddDate(0, 0, g.cfg.DateWindowBeforeDays)
	bookings, err := g.bookings.FindByAccountInWindow(p.AccountID, from, to, g.cfg.IncludeCancelled)
	if err != nil {
		return nil
	}

	var matches []match
	for _, b := range bookings {
		delta := p.PaidDate.Sub(b.TripDate).Hours() / 24
		frac := g.windowFraction(delta)
		conf := 0.45 + 0.35*(1-frac)
		conf += g.nameBoost(p.Note, b.CustomerName)
		matches = append(matches, match{booking: b, signal: Signal{
			Kind:          SignalAccountDate,
			Confidence:    conf,
			DateDeltaDays: math.Abs(delta),
			AmountDelta:   p.Amount.Decimal.Sub(b.Balance).Abs(),
			Detail:        fmt.Sprintf("account %s, %.0f day(s) from trip", p.AccountID, math.Abs(delta)),
		}})
	}
	return matches
}

// amountSignals matches the payment amount against outstanding balances
// (strong) or total due (weaker), inside the date window. Used when the
// account linkage is absent, but evaluated unconditionally; the scorer
// merges agreeing signals.
func (g *Generator) amountSignals(p *models.Payment) []match {
	if p.PaidDate == nil {
		return nil
	}
	from := p.PaidDate.AddDate(0, 0, -g.cfg.DateWindowAfterDays)
	to := p.PaidDate.AddDate(0, 0, g.cfg.DateWindowBeforeDays)
	bookings, err := g.bookings.FindByAmountInWindow(p.Amount.Decimal, g.cfg.AmountTolerance, from, to, g.cfg.IncludeCancelled)
	if err != nil {
		return nil
	}

	var matches []match
	for _, b := range bookings {
		balanceDelta := p.Amount.Decimal.Sub(b.Balance).Abs()
		totalDelta := p.Amount.Decimal.Sub(b.TotalDue).Abs()

		var conf float64
		var amountDelta decimal.Decimal
		switch {
		case balanceDelta.LessThanOrEqual(g.cfg.AmountTolerance):
			conf, amountDelta = 0.80, balanceDelta
		case totalDelta.LessThanOrEqual(g.cfg.AmountTolerance):
			conf, amountDelta = 0.65, totalDelta
		default:
			continue
		}
		conf += g.nameBoost(p.Note, b.CustomerName)

		delta := p.PaidDate.Sub(b.TripDate).Hours() / 24
		matches = append(matches, match{booking: b, signal: Signal{
			Kind:          SignalAmount,
			Confidence:    conf,
			DateDeltaDays: math.Abs(delta),
			AmountDelta:   amountDelta,
			Detail:        fmt.Sprintf("amount %s within tolerance", p.Amount.Decimal.StringFixed(2)),
		}})
	}
	return matches
}

// textReferenceSignal scans the free-text note for a reservation-shaped
// token. Medium confidence only: OCR and hand entry transpose digits.
func (g *Generator) textReferenceSignal(p *models.Payment) (Signal, *models.Booking, bool) {
	token := reservationPattern.FindString(p.Note)
	if token == "" {
		return Signal{}, nil, false
	}
	booking, err := g.bookings.FetchByKey(token)
	if err != nil || booking == nil || (booking.Cancelled && !g.cfg.IncludeCancelled) {
		return Signal{}, nil, false
	}
	return Signal{
		Kind:          SignalTextReference,
		Confidence:    0.70,
		DateDeltaDays: g.dateDelta(p, booking),
		AmountDelta:   p.Amount.Decimal.Sub(booking.Balance).Abs(),
		Detail:        fmt.Sprintf("note references %s", token),
	}, booking, true
}

// windowFraction maps a signed date delta (payment minus trip date, days)
// to [0,1] within the asymmetric window. Out-of-window deltas clamp to 1.
func (g *Generator) windowFraction(delta float64) float64 {
	var frac float64
	if delta < 0 {
		frac = -delta / float64(g.cfg.DateWindowBeforeDays)
	} else {
		frac = delta / float64(g.cfg.DateWindowAfterDays)
	}
	return math.Min(frac, 1)
}

func (g *Generator) dateDelta(p *models.Payment, b *models.Booking) float64 {
	if p.PaidDate == nil {
		return math.Inf(1)
	}
	return math.Abs(p.PaidDate.Sub(b.TripDate).Hours() / 24)
}

// nameBoost adds a small bonus when the payment note clearly names the
// booking's counterparty. Bounded so it tips ties, never decides alone.
func (g *Generator) nameBoost(note, customerName string) float64 {
	if nameSimilarity(note, customerName) >= 0.85 {
		return 0.05
	}
	return 0
}

// nameSimilarity scores how well the customer name appears in the bank
// description, token by token.
func nameSimilarity(desc, name string) float64 {
	descTokens := strings.Fields(normalizeName(desc))
	nameTokens := strings.Fields(normalizeName(name))
	if len(nameTokens) == 0 || len(descTokens) == 0 {
		return 0
	}

	total := 0.0
	for _, nt := range nameTokens {
		best := 0.0
		for _, dt := range descTokens {
			dist := levenshtein.DistanceForStrings([]rune(nt), []rune(dt), levenshtein.DefaultOptions)
			maxLen := math.Max(float64(len(nt)), float64(len(dt)))
			if sim := 1 - float64(dist)/maxLen; sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(nameTokens))
}

func normalizeName(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "-", " ")
	return strings.TrimSpace(s)
}

// ParseLinkageKey splits an encoded "deposit-batch:sub-reference" key.
func ParseLinkageKey(key string) (batch, ref string, ok bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
