package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLSinkSendAndCount(t *testing.T) {
	s, err := NewSQLSinkFromDSN(":memory:")
	if err != nil {
		t.Fatalf("NewSQLSinkFromDSN: %v", err)
	}
	defer func() { _ = s.Close() }()

	now := time.Now()
	events := []Event{
		{Kind: "started", OccurredAt: now, Tree: "root", Child: "web", State: "running"},
		{Kind: "restarted", OccurredAt: now, Tree: "root", Child: "web", State: "starting", Detail: "exit status 1"},
		{Kind: "escalated", OccurredAt: now, Tree: "root"},
	}
	for _, e := range events {
		if err := s.Send(context.Background(), e); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var n int
	if err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM supervision_journal;`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != len(events) {
		t.Fatalf("rows = %d, want %d", n, len(events))
	}

	var kind, child string
	if err := s.db.QueryRowContext(context.Background(),
		`SELECT kind, child FROM supervision_journal WHERE kind = 'restarted';`).Scan(&kind, &child); err != nil {
		t.Fatalf("select: %v", err)
	}
	if kind != "restarted" || child != "web" {
		t.Fatalf("row = %q/%q", kind, child)
	}
}

func TestSQLSinkFileDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := NewSQLSinkFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("NewSQLSinkFromDSN: %v", err)
	}
	if s.dialect != "sqlite" {
		t.Fatalf("dialect = %q", s.dialect)
	}
	if err := s.Send(context.Background(), Event{Kind: "started", OccurredAt: time.Now(), Tree: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSQLSinkEmptyDSN(t *testing.T) {
	if _, err := NewSQLSinkFromDSN(""); err == nil {
		t.Fatalf("empty DSN accepted")
	}
}

func TestFactoryDSNDispatch(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatalf("empty DSN accepted")
	}
	if _, err := NewSinkFromDSN("redis://localhost:6379"); err == nil {
		t.Fatalf("unsupported scheme accepted")
	}

	path := filepath.Join(t.TempDir(), "j.db")
	sink, err := NewSinkFromDSN(path)
	if err != nil {
		t.Fatalf("NewSinkFromDSN: %v", err)
	}
	if _, ok := sink.(*SQLSink); !ok {
		t.Fatalf("plain path sink = %T, want *SQLSink", sink)
	}
	_ = sink.Close()
}

func TestSendHonorsContext(t *testing.T) {
	s, err := NewSQLSinkFromDSN(":memory:")
	if err != nil {
		t.Fatalf("NewSQLSinkFromDSN: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Send(ctx, Event{Kind: "started", OccurredAt: time.Now(), Tree: "t"})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Send with canceled ctx = %v", err)
	}
}
