package configflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

type MockHandler struct {
	ValidateFunc func(ctx context.Context, data map[string]string) (Info, error)
}

func (m *MockHandler) Fields(step Step) []Field {
	if step == StepReauthConfirm {
		return []Field{{Name: "password", Type: FieldPassword, Required: true}}
	}
	return []Field{
		{Name: "host", Type: FieldString, Required: true},
		{Name: "password", Type: FieldPassword, Required: true},
	}
}

func (m *MockHandler) Validate(ctx context.Context, data map[string]string) (Info, error) {
	return m.ValidateFunc(ctx, data)
}

type fakeSink struct {
	mu      sync.Mutex
	entries map[string]model.ConfigEntry
	next    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{entries: map[string]model.ConfigEntry{}}
}

func (s *fakeSink) Entry(id string) (model.ConfigEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *fakeSink) EntriesFor(domain string) []model.ConfigEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(lo.Values(s.entries), func(e model.ConfigEntry, _ int) bool {
		return e.Domain == domain
	})
}

func (s *fakeSink) CreateEntry(_ context.Context, e model.ConfigEntry) (model.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	e.ID = fmt.Sprintf("entry-%d", s.next)
	s.entries[e.ID] = e
	return e, nil
}

func (s *fakeSink) UpdateEntry(_ context.Context, e model.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

// accountHandler accepts password "secret" and reports the host's serial.
func accountHandler() *MockHandler {
	return &MockHandler{ValidateFunc: func(_ context.Context, data map[string]string) (Info, error) {
		if err := ValidateHost("host", data["host"]); err != nil {
			return Info{}, err
		}
		switch {
		case data["host"] == "offline.local":
			return Info{}, fmt.Errorf("dial: %w", ErrCannotConnect)
		case data["password"] != "secret":
			return Info{}, coordinator.ErrAuthFailed
		}
		return Info{Title: "Inverter " + data["host"], UniqueID: "serial-" + data["host"]}, nil
	}}
}

func newTestManager(t *testing.T) (*Manager, *fakeSink) {
	t.Helper()
	m := NewManager(zaptest.NewLogger(t))
	sink := newFakeSink()
	m.SetSink(sink)
	require.NoError(t, m.RegisterHandler("winet", accountHandler()))
	return m, sink
}

func TestUserFlow(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)

	res, err := m.Init(ctx, "winet", SourceUser, "")
	require.NoError(t, err)
	assert.Equal(t, ResultForm, res.Type)
	assert.Equal(t, StepUser, res.Step)
	assert.Len(t, m.Progress(), 1)

	tests := []struct {
		input map[string]string
		want  map[string]string
	}{
		{map[string]string{"host": "a.local"}, map[string]string{"password": CodeRequired}},
		{map[string]string{"host": "http://x", "password": "secret"}, map[string]string{"host": CodeInvalidHost}},
		{map[string]string{"host": "offline.local", "password": "secret"}, map[string]string{"base": CodeCannotConnect}},
		{map[string]string{"host": "a.local", "password": "nope"}, map[string]string{"base": CodeInvalidAuth}},
	}
	for _, tt := range tests {
		res, err = m.Configure(ctx, res.FlowID, tt.input)
		require.NoError(t, err)
		assert.Equal(t, ResultForm, res.Type)
		assert.Equal(t, tt.want, res.Errors)
	}

	res, err = m.Configure(ctx, res.FlowID, map[string]string{"host": "a.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, "Inverter a.local", res.Title)
	assert.Equal(t, "entry-1", res.EntryID)
	assert.Equal(t, "serial-a.local", sink.entries["entry-1"].UniqueID)
	assert.Empty(t, m.Progress())

	_, err = m.Configure(ctx, res.FlowID, nil)
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestUserFlowAlreadyConfigured(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	_, err := sink.CreateEntry(ctx, model.ConfigEntry{Domain: "winet", UniqueID: "serial-a.local"})
	require.NoError(t, err)

	res, err := m.Init(ctx, "winet", SourceUser, "")
	require.NoError(t, err)
	res, err = m.Configure(ctx, res.FlowID, map[string]string{"host": "a.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
	assert.Len(t, sink.entries, 1)
}

func TestConfigureWhileValidatingIsBusy(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	entered, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, m.RegisterHandler("slow", &MockHandler{ValidateFunc: func(context.Context, map[string]string) (Info, error) {
		close(entered)
		<-release
		return Info{Title: "Slow", UniqueID: "slow-1"}, nil
	}}))

	res, err := m.Init(ctx, "slow", SourceUser, "")
	require.NoError(t, err)
	input := map[string]string{"host": "a.local", "password": "secret"}

	done := make(chan Result, 1)
	go func() {
		r, err := m.Configure(ctx, res.FlowID, input)
		assert.NoError(t, err)
		done <- r
	}()
	<-entered

	_, err = m.Configure(ctx, res.FlowID, input)
	assert.ErrorIs(t, err, ErrFlowBusy)

	close(release)
	first := <-done
	assert.Equal(t, ResultCreateEntry, first.Type)
	assert.Len(t, sink.EntriesFor("slow"), 1)
	assert.Empty(t, m.Progress())
}

func TestConfigureFormStepClearsBusy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	res, err := m.Init(ctx, "winet", SourceUser, "")
	require.NoError(t, err)

	bad, err := m.Configure(ctx, res.FlowID, map[string]string{"host": "a.local", "password": "nope"})
	require.NoError(t, err)
	assert.Equal(t, ResultForm, bad.Type)

	ok, err := m.Configure(ctx, res.FlowID, map[string]string{"host": "a.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, ok.Type)
}

// duplicateSink rejects every new entry like a store that already holds it.
type duplicateSink struct {
	*fakeSink
}

func (duplicateSink) CreateEntry(context.Context, model.ConfigEntry) (model.ConfigEntry, error) {
	return model.ConfigEntry{}, fmt.Errorf("%w: winet serial-a.local", ErrAlreadyConfigured)
}

func TestCreateEntryDuplicateAborts(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	m.SetSink(duplicateSink{sink})

	res, err := m.Init(ctx, "winet", SourceUser, "")
	require.NoError(t, err)
	res, err = m.Configure(ctx, res.FlowID, map[string]string{"host": "a.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
	assert.Empty(t, m.Progress())
}

func TestReauthFlow(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	entry, err := sink.CreateEntry(ctx, model.ConfigEntry{
		Domain:   "winet",
		UniqueID: "serial-a.local",
		Data:     map[string]string{"host": "a.local", "password": "old"},
	})
	require.NoError(t, err)

	res, err := m.StartReauth(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, StepReauthConfirm, res.Step)

	again, err := m.StartReauth(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, res.FlowID, again.FlowID, "one reauth flow per entry")

	res, err = m.Configure(ctx, res.FlowID, map[string]string{"password": "wrong"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": CodeInvalidAuth}, res.Errors)

	res, err = m.Configure(ctx, res.FlowID, map[string]string{"password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonReauthSuccessful, res.Reason)
	assert.Equal(t, "secret", sink.entries[entry.ID].Data["password"])
	assert.Equal(t, "a.local", sink.entries[entry.ID].Data["host"])
}

func TestReconfigureWrongAccount(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	entry, err := sink.CreateEntry(ctx, model.ConfigEntry{
		Domain:   "winet",
		UniqueID: "serial-a.local",
		Data:     map[string]string{"host": "a.local", "password": "secret"},
	})
	require.NoError(t, err)

	res, err := m.Init(ctx, "winet", SourceReconfigure, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StepReconfigure, res.Step)

	res, err = m.Configure(ctx, res.FlowID, map[string]string{"host": "b.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ReasonWrongAccount, res.Reason)
	assert.Equal(t, "a.local", sink.entries[entry.ID].Data["host"])
}

func TestReconfigureSuccessful(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	entry, err := sink.CreateEntry(ctx, model.ConfigEntry{
		Domain: "winet",
		Data:   map[string]string{"host": "a.local", "password": "secret"},
	})
	require.NoError(t, err)

	res, err := m.Init(ctx, "winet", SourceReconfigure, entry.ID)
	require.NoError(t, err)
	res, err = m.Configure(ctx, res.FlowID, map[string]string{"host": "b.local", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ReasonReconfigureSuccessful, res.Reason)
	assert.Equal(t, "b.local", sink.entries[entry.ID].Data["host"])
}

func TestUnknownEntryAndHandler(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	res, err := m.Init(ctx, "winet", SourceReauth, "missing")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownEntry, res.Reason)
	assert.Empty(t, m.Progress())

	_, err = m.Init(ctx, "hue", SourceUser, "")
	assert.ErrorIs(t, err, ErrUnknownHandler)

	assert.Error(t, m.RegisterHandler("winet", accountHandler()))
	assert.Equal(t, []string{"winet"}, m.Domains())
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)
	entry, err := sink.CreateEntry(ctx, model.ConfigEntry{Domain: "winet"})
	require.NoError(t, err)

	res, err := m.Init(ctx, "winet", SourceUser, "")
	require.NoError(t, err)
	require.NoError(t, m.Abort(res.FlowID))
	assert.ErrorIs(t, m.Abort(res.FlowID), ErrUnknownFlow)

	_, err = m.StartReauth(ctx, entry)
	require.NoError(t, err)
	m.AbortEntry(entry.ID)
	assert.Empty(t, m.Progress())
}

func TestFormErrors(t *testing.T) {
	assert.Equal(t, map[string]string{"port": CodeInvalidPort}, formErrors(fmt.Errorf("wrap: %w", &ConfigError{Field: "port", Code: CodeInvalidPort})))
	assert.Equal(t, map[string]string{"base": CodeUnknown}, formErrors(errors.New("boom")))
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidateHost("host", "192.168.1.10"))
	assert.NoError(t, ValidateHost("host", "inverter.local"))
	assert.Error(t, ValidateHost("host", "-bad.local"))
	assert.Error(t, ValidateHost("host", "a..b"))

	p, err := ValidatePort("port", "502")
	require.NoError(t, err)
	assert.Equal(t, 502, p)
	_, err = ValidatePort("port", "70000")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, CodeInvalidPort, cfgErr.Code)
}
