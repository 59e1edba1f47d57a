// Package contract formats and parses OCC option symbols, e.g.
// XYZ251115C00100000 for an XYZ 100-strike call expiring 2025-11-15.
package contract

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/model"
)

// symbolRegex matches: {root}{YYMMDD}{C|P}{strike*1000, 8 digits}
// The root may be space-padded to six characters (OSI 21-char form).
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5}) *(\d{6})([CP])(\d{8})$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid option symbol")
	ErrInvalidRoot   = errors.New("contract: invalid underlying root")
	ErrInvalidStrike = errors.New("contract: strike out of range")
)

// maxStrike is the largest strike representable in eight digits of
// thousandths.
const maxStrike = 99999.999

// Contract is a parsed option contract.
type Contract struct {
	Symbol string          `json:"symbol"`
	Root   string          `json:"root"`
	Expiry time.Time       `json:"expiry"`
	Right  model.Right     `json:"right"`
	Strike decimal.Decimal `json:"strike"`
}

var rootRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,5}$`)

// Format returns the compact OCC symbol for a contract.
func Format(root string, expiry time.Time, right model.Right, strike float64) (string, error) {
	root = strings.ToUpper(strings.TrimSpace(root))
	if !rootRegex.MatchString(root) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	if strike <= 0 || strike > maxStrike || math.IsNaN(strike) {
		return "", fmt.Errorf("%w: %v", ErrInvalidStrike, strike)
	}
	cp := "C"
	if right == model.Put {
		cp = "P"
	}
	milli := int64(math.Round(strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", root, expiry.UTC().Format("060102"), cp, milli), nil
}

// Parse parses a compact or space-padded OCC symbol.
func Parse(symbol string) (*Contract, error) {
	m := symbolRegex.FindStringSubmatch(symbol)
	if m == nil {
		return nil, fmt.Errorf("%w: %q (expected {root}{YYMMDD}{C|P}{strike8})", ErrInvalidSymbol, symbol)
	}
	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, m[2])
	}
	milli, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil || milli == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, m[4])
	}
	right := model.Call
	if m[3] == "P" {
		right = model.Put
	}
	return &Contract{
		Symbol: m[1] + m[2] + m[3] + m[4],
		Root:   m[1],
		Expiry: expiry,
		Right:  right,
		Strike: decimal.New(milli, -3),
	}, nil
}

// ForLeg names a leg expiring on day expiryIdx of series. Days beyond the
// end of the series are projected forward as calendar days from the last
// date. An empty string is returned when the series carries no parseable
// dates.
func ForLeg(root string, series model.Series, expiryIdx int, right model.Right, strike float64) string {
	if series.Len() == 0 {
		return ""
	}
	last := series.Len() - 1
	var expiry time.Time
	if expiryIdx <= last {
		expiry = series.Timestamp(expiryIdx)
	} else {
		base := series.Timestamp(last)
		if !base.IsZero() {
			expiry = base.AddDate(0, 0, expiryIdx-last)
		}
	}
	if expiry.IsZero() {
		return ""
	}
	sym, err := Format(root, expiry, right, strike)
	if err != nil {
		return ""
	}
	return sym
}
