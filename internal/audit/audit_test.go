package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/pii"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func scan(t *testing.T, text string) pii.Result {
	t.Helper()
	engine, err := pii.New(pii.Config{})
	require.NoError(t, err)
	return engine.Scan(text)
}

func TestBuild_PerMatch(t *testing.T) {
	res := scan(t, "mail a@b.com or call 555-123-4567 today")
	require.Len(t, res.Matches, 2)

	entries := Build(PerMatch, "req-1", "pii_input", res.Text, res.Matches, now)
	require.Len(t, entries, 2)

	assert.Equal(t, "EMAIL", entries[0].Type)
	assert.Equal(t, "PHONE", entries[1].Type)
	for _, e := range entries {
		assert.Equal(t, "req-1", e.RequestID)
		assert.Equal(t, "pii_input", e.Stage)
		assert.Equal(t, ActionRedacted, e.Action)
		assert.Equal(t, now, e.Timestamp)
		assert.Equal(t, 1, e.Count)
		assert.NotContains(t, e.Context, "a@b.com")
		assert.NotContains(t, e.Context, "555-123-4567")
	}
	assert.Contains(t, entries[0].Context, "XXXXXXX")
}

func TestBuild_PerCall(t *testing.T) {
	res := scan(t, "a@b.com, c@d.org and 10.0.0.1")

	entries := Build(PerCall, "req-2", "pii_output", res.Text, res.Matches, now)
	require.Len(t, entries, 1)
	assert.Equal(t, "EMAIL,IP_ADDRESS", entries[0].Type)
	assert.Equal(t, 3, entries[0].Count)
	assert.Equal(t, "pii_output", entries[0].Stage)
}

func TestBuild_NoMatches(t *testing.T) {
	assert.Nil(t, Build(PerMatch, "r", "s", "clean", nil, now))
}

func TestSnippet(t *testing.T) {
	text := strings.Repeat("a", 30) + "XXXX" + strings.Repeat("b", 30)

	got := Snippet(text, 30, 34)
	assert.Equal(t, strings.Repeat("a", 20)+"XXXX"+strings.Repeat("b", 20), got)

	assert.Equal(t, "héllo", Snippet("héllo", 1, 2))
	assert.Equal(t, "", Snippet("", 0, 0))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, PerMatch, m)

	m, err = ParseMode("per_call")
	require.NoError(t, err)
	assert.Equal(t, PerCall, m)

	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := SlogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := sink.Emit(context.Background(), []Entry{{RequestID: "r1", Stage: "pii_input", Type: "EMAIL", Action: ActionRedacted, Count: 1}})
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "PII redacted", record["msg"])
	assert.Equal(t, "r1", record["request_id"])
	assert.Equal(t, "EMAIL", record["type"])
}

func TestKafka_EmitBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for _, typ := range []string{"EMAIL", "SSN"} {
		typ := typ
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
			var e Entry
			if err := json.Unmarshal(value, &e); err != nil {
				return err
			}
			if e.RequestID != "req-9" {
				return errors.New("wrong request id " + e.RequestID)
			}
			if e.Type != typ {
				return errors.New("wrong type " + e.Type)
			}
			return nil
		})
	}

	sink := NewKafka(producer, "pii-audit")
	err := sink.Emit(context.Background(), []Entry{
		{RequestID: "req-9", Type: "EMAIL", Timestamp: now},
		{RequestID: "req-9", Type: "SSN", Timestamp: now},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestKafka_EmitFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafka(producer, "pii-audit")
	err := sink.Emit(context.Background(), []Entry{{RequestID: "r", Type: "EMAIL"}})
	assert.Error(t, err)
	require.NoError(t, sink.Close())
}

func TestKafka_EmitNothing(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	sink := NewKafka(producer, "pii-audit")

	assert.NoError(t, sink.Emit(context.Background(), nil))
	require.NoError(t, sink.Close())
}

func TestMultiAndMemory(t *testing.T) {
	mem := &Memory{}
	failing := sinkFunc(func(context.Context, []Entry) error { return errors.New("down") })

	err := Multi{failing, mem}.Emit(context.Background(), []Entry{{Type: "EMAIL"}})
	assert.Error(t, err)
	assert.Len(t, mem.Entries(), 1)
}

type sinkFunc func(context.Context, []Entry) error

func (f sinkFunc) Emit(ctx context.Context, entries []Entry) error { return f(ctx, entries) }
