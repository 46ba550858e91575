package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssdlab/harvester/internal/store"
)

type stubSource struct {
	name     string
	disabled bool

	fetchData  any
	fetchErr   error
	parseRecs  []store.Record
	parseErr   error
	xformRecs  []store.Record
	xformErr   error
	storeErr   error
	storeCalls int
}

func (s *stubSource) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubSource) Enabled() bool    { return !s.disabled }
func (s *stubSource) Schedule() string { return "" }

func (s *stubSource) Fetch(context.Context) (any, error) {
	return s.fetchData, s.fetchErr
}

func (s *stubSource) Parse(context.Context, any) ([]store.Record, error) {
	return s.parseRecs, s.parseErr
}

func (s *stubSource) Transform(_ context.Context, records []store.Record) ([]store.Record, error) {
	if s.xformErr != nil {
		return nil, s.xformErr
	}
	if s.xformRecs != nil {
		return s.xformRecs, nil
	}
	return records, nil
}

func (s *stubSource) Store(context.Context, []store.Record) error {
	s.storeCalls++
	return s.storeErr
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func TestRunner_HappyPath(t *testing.T) {
	src := &stubSource{
		fetchData: map[string]any{"raw": true},
		parseRecs: []store.Record{{"id": 1}},
	}
	r := NewRunner(nil, nil)

	require.NoError(t, r.Run(context.Background(), src))
	assert.Equal(t, 1, src.storeCalls)

	runs, failures := r.Counters("stub")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, failures)
}

func TestRunner_DisabledSourceSkipped(t *testing.T) {
	src := &stubSource{disabled: true, fetchData: map[string]any{}}
	r := NewRunner(nil, nil)

	require.NoError(t, r.Run(context.Background(), src))
	assert.Equal(t, 0, src.storeCalls)

	runs, _ := r.Counters("stub")
	assert.Equal(t, 0, runs)
}

func TestRunner_EmptyFetchIsNotAFault(t *testing.T) {
	src := &stubSource{fetchData: nil}
	notifier := &recordingNotifier{}
	r := NewRunner(nil, notifier)

	require.NoError(t, r.Run(context.Background(), src))
	assert.Equal(t, 0, src.storeCalls)
	assert.Empty(t, notifier.msgs)

	runs, failures := r.Counters("stub")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, failures)
}

func TestRunner_EmptyParseIsNotAFault(t *testing.T) {
	src := &stubSource{fetchData: map[string]any{"raw": true}}
	r := NewRunner(nil, nil)

	require.NoError(t, r.Run(context.Background(), src))
	assert.Equal(t, 0, src.storeCalls)
}

func TestRunner_EmptyTransformIsNotAFault(t *testing.T) {
	src := &stubSource{
		fetchData: map[string]any{"raw": true},
		parseRecs: []store.Record{{"id": 1}},
		xformRecs: []store.Record{},
	}
	r := NewRunner(nil, nil)

	require.NoError(t, r.Run(context.Background(), src))
	assert.Equal(t, 0, src.storeCalls)
}

func TestRunner_StageFaultIsCountedAndNotified(t *testing.T) {
	boom := errors.New("connection refused")
	src := &stubSource{fetchErr: boom}
	notifier := &recordingNotifier{}
	r := NewRunner(nil, notifier)

	err := r.Run(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stub fetch")

	runs, failures := r.Counters("stub")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, failures)

	require.Len(t, notifier.msgs, 1)
	assert.Contains(t, notifier.msgs[0], "stub")
	assert.Contains(t, notifier.msgs[0], "fetch")
}

func TestRunner_StoreFault(t *testing.T) {
	src := &stubSource{
		fetchData: map[string]any{"raw": true},
		parseRecs: []store.Record{{"id": 1}},
		storeErr:  errors.New("disk full"),
	}
	r := NewRunner(nil, nil)

	err := r.Run(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub store")
}

func TestRunner_RunScheduledSwallowsFault(t *testing.T) {
	src := &stubSource{fetchErr: errors.New("boom")}
	r := NewRunner(nil, nil)

	// Must not panic or propagate; the fault stays at the run boundary.
	r.RunScheduled(context.Background(), src)

	_, failures := r.Counters("stub")
	assert.Equal(t, 1, failures)
}

func TestRunner_CountersIsolatedPerSource(t *testing.T) {
	r := NewRunner(nil, nil)
	good := &stubSource{name: "good", fetchData: map[string]any{"x": 1}, parseRecs: []store.Record{{"id": 1}}}
	bad := &stubSource{name: "bad", fetchErr: errors.New("boom")}

	require.NoError(t, r.Run(context.Background(), good))
	require.Error(t, r.Run(context.Background(), bad))

	runs, failures := r.Counters("good")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, failures)

	runs, failures = r.Counters("bad")
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, failures)
}
