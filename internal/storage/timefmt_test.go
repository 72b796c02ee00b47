package storage

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeRoundTripsInUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	in := time.Date(2023, 1, 10, 9, 30, 0, 1500, loc)

	out, err := ParseTime(FormatTime(in))
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, time.UTC, out.Location())
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2023, 1, 5, 0, 0, 0, 100, time.UTC))
	c := FormatTime(time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestParseNullTime(t *testing.T) {
	got, err := ParseNullTime(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseNullTime(sql.NullString{String: "yesterday", Valid: true})
	assert.Error(t, err)

	now := time.Now()
	got, err = ParseNullTime(NullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
