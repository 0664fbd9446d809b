package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndByCorrelation(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	require.NoError(t, l.Append(Entry{Timestamp: now, Group: "demo", Correlation: "c1", Outcome: "ok"}))
	require.NoError(t, l.Append(Entry{Timestamp: now, Group: "demo", Correlation: "c2", Outcome: "ok"}))

	entries, err := l.ByCorrelation("demo", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c1", entries[0].Correlation)
}

func TestAppendHandlerErrorEmitsDualEntries(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	base := Entry{Timestamp: time.Now(), Group: "demo", Correlation: "c1", Outcome: "error"}
	require.NoError(t, l.AppendHandlerError(base, "UNAUTHORIZED", "HANDLER_ERROR"))

	entries, err := l.ByCorrelation("demo", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "before_normalization", entries[0].Phase)
	require.Equal(t, "UNAUTHORIZED", entries[0].ErrorCode)
	require.Equal(t, "after_normalization", entries[1].Phase)
	require.Equal(t, "HANDLER_ERROR", entries[1].ErrorCode)
}

func TestByTimeRangeInclusive(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(Entry{Timestamp: base, Group: "demo", Outcome: "ok"}))
	require.NoError(t, l.Append(Entry{Timestamp: base.Add(time.Hour), Group: "demo", Outcome: "ok"}))
	require.NoError(t, l.Append(Entry{Timestamp: base.Add(2 * time.Hour), Group: "demo", Outcome: "ok"}))

	entries, err := l.ByTimeRange("demo", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestByTopicAndByOutcome(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	require.NoError(t, l.Append(Entry{Timestamp: now, Group: "demo", Topic: "tool.invoke.echo", Outcome: "ok"}))
	require.NoError(t, l.Append(Entry{Timestamp: now, Group: "demo", Topic: "tool.invoke.email_send", Outcome: "rejected"}))

	byTopic, err := l.ByTopic("demo", "tool.invoke.echo")
	require.NoError(t, err)
	require.Len(t, byTopic, 1)

	byOutcome, err := l.ByOutcome("demo", "rejected")
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
}

func TestQueryOnMissingGroupReturnsEmpty(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	entries, err := l.ByCorrelation("never-written", "c1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOmitemptyFieldsNotSerializedAsNull(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Entry{Timestamp: time.Now(), Group: "demo", Outcome: "ok"}))

	entries, err := l.ByOutcome("demo", "ok")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Empty(t, entries[0].Correlation)
	require.Empty(t, entries[0].ErrorCode)
}
