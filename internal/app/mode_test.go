package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
)

type modeFixture struct {
	ctrl     *ModeController
	store    *mockStore
	notifier *mockNotifier
	metrics  *mockMetrics
	clock    time.Time
}

func newModeFixture(t *testing.T) *modeFixture {
	t.Helper()
	f := &modeFixture{store: newMockStore(), notifier: &mockNotifier{}, metrics: &mockMetrics{}, clock: testNow}
	var err error
	f.ctrl, err = NewModeController(f.store, 2*time.Hour, f.notifier, f.metrics, &mockLogger{})
	require.NoError(t, err)
	f.ctrl.now = func() time.Time { return f.clock }
	return f
}

func TestCanTransitionMode(t *testing.T) {
	tests := []struct {
		from, to domain.SystemMode
		want     bool
	}{
		{domain.ModeActive, domain.ModeDefensive, true},
		{domain.ModeActive, domain.ModeMaintenance, true},
		{domain.ModeActive, domain.ModeShutdown, true},
		{domain.ModeDefensive, domain.ModeActive, true},
		{domain.ModeMaintenance, domain.ModeActive, true},
		{domain.ModeShutdown, domain.ModeActive, false},
		{domain.ModeShutdown, domain.ModeDefensive, false},
		{domain.ModeActive, domain.ModeActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionMode(tt.from, tt.to))
		})
	}
}

func TestModeController_CatastropheEntersDefensive(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()

	mode, err := f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Catastrophe: true, Reason: "exchange hack"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDefensive, mode)
	assert.False(t, f.ctrl.EntriesAllowed())
	assert.Equal(t, testNow, f.ctrl.Since())

	assert.Equal(t, "DEFENSIVE", f.store.state[modeKey])
	assert.Equal(t, testNow.Format(time.RFC3339Nano), f.store.state[modeSinceKey])
	assert.Equal(t, []string{"DEFENSIVE"}, f.metrics.modes)
	assert.True(t, f.notifier.has(ports.PriorityHigh, "Mode DEFENSIVE"))
}

func TestModeController_DefensiveFloor(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Catastrophe: true, Reason: "depeg"})
	require.NoError(t, err)

	f.clock = testNow.Add(90 * time.Minute)
	mode, err := f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Summary: "calm"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDefensive, mode)

	// Another catastrophe does not restart the floor.
	mode, err = f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Catastrophe: true, Reason: "depeg"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDefensive, mode)
	assert.Equal(t, testNow, f.ctrl.Since())

	f.clock = testNow.Add(2 * time.Hour)
	mode, err = f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Summary: "calm"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeActive, mode)
	assert.True(t, f.ctrl.EntriesAllowed())
	assert.Equal(t, []string{"DEFENSIVE", "ACTIVE"}, f.metrics.modes)
}

func TestModeController_MaintenanceIgnoresScans(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Transition(ctx, domain.ModeMaintenance, "operator"))

	mode, err := f.ctrl.ApplyRiskScan(ctx, domain.RiskContext{Catastrophe: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeMaintenance, mode)
	assert.False(t, f.ctrl.EntriesAllowed())
}

func TestModeController_ShutdownIsTerminal(t *testing.T) {
	f := newModeFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Transition(ctx, domain.ModeShutdown, "signal"))

	err := f.ctrl.Transition(ctx, domain.ModeActive, "resume")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.Equal(t, domain.ModeShutdown, f.ctrl.Mode())

	assert.NoError(t, f.ctrl.Transition(ctx, domain.ModeShutdown, "again"))
	assert.Equal(t, []string{"SHUTDOWN"}, f.metrics.modes)
}

func TestModeController_Load(t *testing.T) {
	entered := testNow.Add(-30 * time.Minute)
	tests := []struct {
		name      string
		state     map[string]string
		wantMode  domain.SystemMode
		wantSince time.Time
	}{
		{"nothing persisted", nil, domain.ModeActive, testNow},
		{"defensive resumes with its start time", map[string]string{modeKey: "DEFENSIVE", modeSinceKey: entered.Format(time.RFC3339Nano)}, domain.ModeDefensive, entered},
		{"shutdown does not carry over", map[string]string{modeKey: "SHUTDOWN", modeSinceKey: entered.Format(time.RFC3339Nano)}, domain.ModeActive, testNow},
		{"unknown value", map[string]string{modeKey: "PANIC"}, domain.ModeActive, testNow},
		{"malformed start time", map[string]string{modeKey: "MAINTENANCE", modeSinceKey: "soon"}, domain.ModeMaintenance, testNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newModeFixture(t)
			for k, v := range tt.state {
				f.store.state[k] = v
			}

			require.NoError(t, f.ctrl.Load(context.Background()))
			assert.Equal(t, tt.wantMode, f.ctrl.Mode())
			assert.True(t, tt.wantSince.Equal(f.ctrl.Since()), "since %v", f.ctrl.Since())
		})
	}
}

func TestModeController_PersistFailureKeepsMode(t *testing.T) {
	f := newModeFixture(t)
	f.store.stateErr = ports.ErrUpdateFailed

	err := f.ctrl.Transition(context.Background(), domain.ModeDefensive, "test")
	assert.ErrorIs(t, err, ports.ErrUpdateFailed)
	assert.Equal(t, domain.ModeActive, f.ctrl.Mode())
	assert.Empty(t, f.notifier.alerts)
}
