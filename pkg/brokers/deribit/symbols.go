package deribit

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrOptionType is returned for an option side other than C/P or call/put.
var ErrOptionType = errors.New("Couldn't parse option type") //nolint:stylecheck

// cbMonthCodes are the futures month letters used in YYMDD expiry codes.
const cbMonthCodes = "FGHJKMNQUVXZ"

var months = []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

var (
	expiryCodeRe = regexp.MustCompile(`^(\d{2})([FGHJKMNQUVXZ])(\d{1,2})$`)
	expiryDateRe = regexp.MustCompile(`^(\d{1,2})([A-Z]{3})(\d{2})$`)
)

// Option is a parsed option instrument.
type Option struct {
	Base   string
	Strike string
	Call   bool
	// Day, Month (1-12) and Year (two digits) of expiry.
	Day   string
	Month int
	Year  string
}

// Instrument renders the deribit name, BASE-DDMONYY-STRIKE-C|P.
func (o Option) Instrument() string {
	side := "P"
	if o.Call {
		side = "C"
	}
	return fmt.Sprintf("%s-%s%s%s-%s-%s", o.Base, o.Day, months[o.Month-1], o.Year, o.Strike, side)
}

// ExpiryCode renders the expiry as YYMDD with a month letter.
func (o Option) ExpiryCode() string {
	return o.Year + string(cbMonthCodes[o.Month-1]) + o.Day
}

// Topic is the lower cased instrument, the key quotes are published under.
func (o Option) Topic() string {
	return strings.ToLower(o.Instrument())
}

func parseSide(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "C", "CALL":
		return true, nil
	case "P", "PUT":
		return false, nil
	}
	return false, ErrOptionType
}

// ParseOption reads BASE-EXPIRY-STRIKE-SIDE where EXPIRY is either a
// deribit DDMONYY date or a YYMDD code and SIDE is C, P, call or put.
func ParseOption(name string) (Option, error) {
	parts := strings.Split(strings.ToUpper(name), "-")
	if len(parts) != 4 {
		return Option{}, fmt.Errorf("not an option symbol: %q", name)
	}
	base, expiry, strike, side := parts[0], parts[1], parts[2], parts[3]

	call, err := parseSide(side)
	if err != nil {
		return Option{}, err
	}

	o := Option{Base: base, Strike: strike, Call: call}
	switch {
	case expiryCodeRe.MatchString(expiry):
		m := expiryCodeRe.FindStringSubmatch(expiry)
		o.Year, o.Month, o.Day = m[1], strings.IndexByte(cbMonthCodes, m[2][0])+1, m[3]
	case expiryDateRe.MatchString(expiry):
		m := expiryDateRe.FindStringSubmatch(expiry)
		month := indexOf(months, m[2])
		if month < 0 {
			return Option{}, fmt.Errorf("unknown expiry month in %q", name)
		}
		o.Day, o.Month, o.Year = m[1], month+1, m[3]
	default:
		return Option{}, fmt.Errorf("unknown expiry format in %q", name)
	}
	return o, nil
}

// ParseCBSymbol reads the BASE-STRIKE-EXPIRY-call|put layout.
func ParseCBSymbol(name string) (Option, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return Option{}, fmt.Errorf("not an option symbol: %q", name)
	}
	return ParseOption(strings.Join([]string{parts[0], parts[2], parts[1], parts[3]}, "-"))
}

// ToInstrument normalizes any supported option spelling to its deribit
// instrument name.
func ToInstrument(name string) (string, error) {
	o, err := ParseOption(name)
	if err != nil {
		return "", err
	}
	return o.Instrument(), nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
