package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	writes int
	failAt int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes >= f.failAt {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestWriter_OneLinePerBatchAndFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.WriteBatch([]Event{Info("A"), Info("B")}))
	require.NoError(t, w.WriteBatch([]Event{Success("C")}))

	assert.True(t, rec.Flushed)
	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "["))
	assert.Contains(t, lines[1], `"level":"SUCCESS"`)
}

func TestEventWriter_OneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewEventWriter(&buf)

	require.NoError(t, w.WriteBatch([]Event{Granted("run.googleapis.com"), Granted("iam")}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "{"))
	assert.Contains(t, lines[1], `"granted":"iam"`)

	r := NewReader(&buf, nil)
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "run.googleapis.com", e.Granted)
}

func TestWriter_BrokenAfterFirstFailure(t *testing.T) {
	fw := &failingWriter{failAt: 2}
	w := NewWriter(fw)

	require.NoError(t, w.WriteBatch([]Event{Info("A")}))
	assert.ErrorIs(t, w.WriteBatch([]Event{Info("B")}), ErrDisconnected)
	assert.ErrorIs(t, w.WriteBatch([]Event{Info("C")}), ErrDisconnected)
	assert.Equal(t, 2, fw.writes)
}

func TestReader_RoundTripsWriterOutput(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteBatch([]Event{Info("A"), Info("B")}))
	require.NoError(t, w.WriteBatch([]Event{Error("C")}))

	r := NewReader(&buf, nil)
	var got []string
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	logger, hook := test.NewNullLogger()
	input := strings.Join([]string{
		`[{"level":"INFO","message":"first"}]`,
		`{not json`,
		``,
		`{"granted":"iam"}`,
		`[{"level":"SUCCESS","message":"last"}]`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input), logger)
	var got []string
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, e.Message)
	}

	assert.Equal(t, []string{"first", "granted: iam", "last"}, got)
	assert.Equal(t, 1, r.Skipped())
	assert.Len(t, hook.Entries, 1)
}

func TestReader_DiscardsPartialTrailingLine(t *testing.T) {
	input := `[{"level":"INFO","message":"complete"}]` + "\n" + `[{"level":"INFO","message":"trunc`

	r := NewReader(strings.NewReader(input), nil)
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "complete", e.Message)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, r.Skipped())
}

func TestPump_DetachesOnTransportFailure(t *testing.T) {
	ch := NewChannel()
	fw := &failingWriter{failAt: 2}
	w := NewWriter(fw)

	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), ch, w, nil) }()

	ch.Emit(Info("delivered"))
	ch.Emit(Info("fails"))
	for !ch.Detached() {
		ch.Emit(Info("racing"))
	}
	ch.Emit(Info("after disconnect"))
	ch.Close()

	err := <-done
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.True(t, ch.Detached())
}
