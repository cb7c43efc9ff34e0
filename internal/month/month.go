package month

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var layout = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// Month identifies a calendar month. All boundaries are computed in UTC.
type Month struct {
	Year  int
	Month time.Month
}

// New returns the month for the given year and month number.
func New(year int, m time.Month) Month {
	return Month{Year: year, Month: m}
}

// Parse parses a month in YYYY-MM format.
func Parse(s string) (Month, error) {
	match := layout.FindStringSubmatch(s)
	if match == nil {
		return Month{}, fmt.Errorf("month %q must be in YYYY-MM format", s)
	}

	year, _ := strconv.Atoi(match[1])
	mon, _ := strconv.Atoi(match[2])
	if mon < 1 || mon > 12 {
		return Month{}, fmt.Errorf("month %q must have a month between 01 and 12", s)
	}

	return Month{Year: year, Month: time.Month(mon)}, nil
}

// Of returns the month containing t, evaluated in UTC.
func Of(t time.Time) Month {
	u := t.UTC()
	return Month{Year: u.Year(), Month: u.Month()}
}

// IsZero reports whether m is the zero value.
func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// Valid reports whether m names a real calendar month.
func (m Month) Valid() bool {
	return m.Year > 0 && m.Month >= time.January && m.Month <= time.December
}

// Next returns the following month.
func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Compare returns -1, 0 or +1 depending on whether m is before, equal to
// or after other.
func (m Month) Compare(other Month) int {
	switch {
	case m.Year < other.Year:
		return -1
	case m.Year > other.Year:
		return 1
	case m.Month < other.Month:
		return -1
	case m.Month > other.Month:
		return 1
	}
	return 0
}

// Before reports whether m is strictly before other.
func (m Month) Before(other Month) bool {
	return m.Compare(other) < 0
}

// After reports whether m is strictly after other.
func (m Month) After(other Month) bool {
	return m.Compare(other) > 0
}

// Start returns the first instant of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the next month.
func (m Month) End() time.Time {
	return m.Next().Start()
}

// YearDir and MonthDir are the path segments used in the output layout.
func (m Month) YearDir() string  { return fmt.Sprintf("%04d", m.Year) }
func (m Month) MonthDir() string { return fmt.Sprintf("%02d", int(m.Month)) }

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// MarshalText implements encoding.TextMarshaler.
func (m Month) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid month %d-%d", m.Year, m.Month)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Month) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
