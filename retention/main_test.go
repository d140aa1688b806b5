package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/config"
)

type stubPruner struct {
	maxAge    time.Duration
	batchSize int
	deleted   int64
	err       error
}

func (s *stubPruner) DeleteOlderThan(_ context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	s.maxAge, s.batchSize = maxAge, batchSize
	return s.deleted, s.err
}

func TestRunOncePassesRetentionWindow(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := &config.Retention{MaxAge: 720 * time.Hour, BatchSize: 250}
	p := &stubPruner{deleted: 12}

	runOnce(context.Background(), log, p, cfg)

	require.Equal(t, 720*time.Hour, p.maxAge)
	require.Equal(t, 250, p.batchSize)
	require.Contains(t, buf.String(), "deleted=12")
}

func TestRunOnceLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := &config.Retention{MaxAge: time.Hour, BatchSize: 10}

	runOnce(context.Background(), log, &stubPruner{err: errors.New("index missing")}, cfg)

	require.Contains(t, buf.String(), "snapshot pruning failed")
	require.Contains(t, buf.String(), "index missing")
}
