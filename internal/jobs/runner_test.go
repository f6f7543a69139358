package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/config"
	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner() *Runner {
	return NewRunner(NewLocalLocker(), metrics.Nop{}, time.Minute, logger.NewNop())
}

func TestRunnerRegister(t *testing.T) {
	r := newTestRunner()
	noop := func(context.Context) error { return nil }

	require.NoError(t, r.Register(Job{Name: "a", Spec: "@every 1m", Run: noop}))
	require.NoError(t, r.Register(Job{Name: "b", Run: noop}))

	assert.Error(t, r.Register(Job{Name: "a", Run: noop}), "duplicate name")
	assert.Error(t, r.Register(Job{Name: "c", Spec: "every minute", Run: noop}), "invalid spec")
	assert.Error(t, r.Register(Job{Name: "d"}), "missing run func")

	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRunNow(t *testing.T) {
	r := newTestRunner()
	calls := 0
	boom := errors.New("boom")
	require.NoError(t, r.Register(Job{Name: "count", Run: func(context.Context) error { calls++; return nil }}))
	require.NoError(t, r.Register(Job{Name: "fail", Run: func(context.Context) error { return boom }}))

	require.NoError(t, r.RunNow(context.Background(), "count"))
	require.NoError(t, r.RunNow(context.Background(), "count"))
	assert.Equal(t, 2, calls)

	assert.ErrorIs(t, r.RunNow(context.Background(), "fail"), boom)
	assert.ErrorIs(t, r.RunNow(context.Background(), "missing"), ErrUnknownJob)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	r := newTestRunner()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.Register(Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.RunNow(context.Background(), "slow"))
	}()

	<-started
	assert.ErrorIs(t, r.RunNow(context.Background(), "slow"), ErrJobRunning)
	err := r.Exclusive(context.Background(), "slow", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	wg.Wait()

	// после завершения блокировка снята
	assert.NoError(t, r.Exclusive(context.Background(), "slow", func(context.Context) error { return nil }))
}

func TestRunnerStartStop(t *testing.T) {
	r := newTestRunner()
	require.NoError(t, r.Register(Job{Name: "tick", Spec: "@every 1h", Run: func(context.Context) error { return nil }}))

	r.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
}

type fakeServices struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeServices) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeServices) ProcessDueIntents(context.Context, domain.IntentFilter) (*services.BatchResult, error) {
	f.record("process")
	return &services.BatchResult{}, nil
}

func (f *fakeServices) RecoverStale(context.Context) (*services.BatchResult, error) {
	f.record("recover")
	return &services.BatchResult{}, nil
}

func (f *fakeServices) RenewDue(context.Context) (*services.BatchResult, error) {
	f.record("renew")
	return &services.BatchResult{}, nil
}

func (f *fakeServices) SweepEndedCancellations(context.Context) (int, error) {
	f.record("sweep")
	return 0, nil
}

func (f *fakeServices) ReplayFailed(context.Context) (int, error) {
	f.record("replay")
	return 0, errors.New("storage down")
}

func (f *fakeServices) SyncPendingActions(context.Context) (int, error) {
	f.record("sync")
	return 0, nil
}

func TestBillingJobs(t *testing.T) {
	fake := &fakeServices{}
	svc := BillingServices{Processor: fake, Renewals: fake, Reconciler: fake, Lifecycle: fake}
	cfg := config.JobsConfig{
		Enabled:        true,
		ProcessIntents: "@every 5m",
		RecoverStale:   "@every 15m",
		Renewals:       "@every 30m",
		PeriodEnd:      "@every 30m",
		ProviderSync:   "@every 10m",
		WebhookReplay:  "@every 10m",
	}

	r := newTestRunner()
	require.NoError(t, RegisterAll(r, BillingJobs(svc, cfg)))
	assert.Len(t, r.Names(), 6)

	tests := []struct {
		job     string
		call    string
		wantErr bool
	}{
		{ProcessIntents, "process", false},
		{RecoverStale, "recover", false},
		{Renewals, "renew", false},
		{PeriodEnd, "sweep", false},
		{ProviderSync, "sync", false},
		{WebhookReplay, "replay", true},
	}
	for _, tt := range tests {
		t.Run(tt.job, func(t *testing.T) {
			fake.calls = nil
			err := r.RunNow(context.Background(), tt.job)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{tt.call}, fake.calls)
		})
	}

	cfg.Enabled = false
	for _, job := range BillingJobs(svc, cfg) {
		assert.Empty(t, job.Spec, job.Name)
	}
}
