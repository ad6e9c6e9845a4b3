package main

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMonth(t *testing.T) {
	loc, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)

	// 2025-01-01 02:00 UTC is still December 31 in Santiago.
	now := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	m, err := parseMonth("", now, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, loc), m)

	m, err = parseMonth("2025-03", now, loc)
	require.NoError(t, err)
	assert.Equal(t, time.March, m.Month())
	assert.Equal(t, loc, m.Location())

	_, err = parseMonth("03/2025", now, loc)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug", "json").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("", "console").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("loud", "console").GetLevel())
}
