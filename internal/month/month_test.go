package month

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Month
		wantErr bool
	}{
		{name: "valid", input: "2020-01", want: New(2020, time.January)},
		{name: "december", input: "1999-12", want: New(1999, time.December)},
		{name: "month zero", input: "2020-00", wantErr: true},
		{name: "month thirteen", input: "2020-13", wantErr: true},
		{name: "single digit month", input: "2020-1", wantErr: true},
		{name: "full date", input: "2020-01-15", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextWrapsYear(t *testing.T) {
	assert.Equal(t, New(2021, time.January), New(2020, time.December).Next())
	assert.Equal(t, New(2020, time.March), New(2020, time.February).Next())
}

func TestCompare(t *testing.T) {
	a := New(2020, time.March)
	b := New(2020, time.April)
	c := New(2021, time.January)

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.True(t, c.After(a))
	assert.Equal(t, 0, a.Compare(New(2020, time.March)))
	assert.False(t, a.Before(a))
}

func TestBoundaries(t *testing.T) {
	m := New(2020, time.December)

	assert.Equal(t, time.Date(2020, time.December, 1, 0, 0, 0, 0, time.UTC), m.Start())
	assert.Equal(t, time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC), m.End())
}

func TestOfUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 2020-03-01 05:00 local is still February in UTC.
	local := time.Date(2020, time.March, 1, 5, 0, 0, 0, loc)

	assert.Equal(t, New(2020, time.February), Of(local))
}

func TestTextRoundTrip(t *testing.T) {
	var m Month
	require.NoError(t, m.UnmarshalText([]byte("2023-07")))
	assert.Equal(t, "2023-07", m.String())
	assert.Equal(t, "2023", m.YearDir())
	assert.Equal(t, "07", m.MonthDir())

	_, err := Month{}.MarshalText()
	assert.Error(t, err)
}
