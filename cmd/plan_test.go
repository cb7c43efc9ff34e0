package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"chatbackup/internal/app"
	"chatbackup/internal/backup"
	"chatbackup/internal/month"

	"github.com/stretchr/testify/assert"
)

func TestWritePlan(t *testing.T) {
	now := time.Date(2020, time.March, 15, 12, 0, 0, 0, time.UTC)
	last := now.Add(-90 * time.Minute)

	entries := []app.PlanEntry{
		{
			Target:            backup.Target{ID: "123456789012345678", Name: "Server"},
			LastAttemptAt:     &last,
			CompletedMonths:   2,
			ThrottleRemaining: 30 * time.Minute,
			Chunks:            []backup.Chunk{{Month: month.New(2020, time.March)}},
		},
		{
			Target:   backup.Target{ID: "@me", Name: "DMs"},
			Eligible: true,
		},
	}

	var buf bytes.Buffer
	assert.False(t, writePlan(&buf, entries, now))

	out := buf.String()
	assert.Contains(t, out, "Server (123456789012345678)")
	assert.Contains(t, out, "(1h30m0s ago)")
	assert.Contains(t, out, "wait 30m0s")
	assert.Contains(t, out, "pending:   1 [2020-03]")
	assert.Contains(t, out, "last run:  never")
	assert.Contains(t, out, "throttle:  eligible")
}

func TestWritePlan_Attention(t *testing.T) {
	entries := []app.PlanEntry{{
		Target: backup.Target{ID: "1", Name: "Bad"},
		Err:    errors.New("invalid configuration: target 1"),
	}}

	var buf bytes.Buffer
	assert.True(t, writePlan(&buf, entries, time.Now()))
	assert.Contains(t, buf.String(), "error:     invalid configuration")
}
