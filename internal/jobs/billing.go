package jobs

import (
	"context"

	"github.com/Dhoini/Billing-orchestrator/internal/config"
	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
)

// Имена задач; используются в метриках, ключах блокировок и в ручном запуске
const (
	ProcessIntents = "process-intents"
	RecoverStale   = "recover-stale"
	Renewals       = "renewals"
	PeriodEnd      = "period-end"
	ProviderSync   = "provider-sync"
	WebhookReplay  = "webhook-replay"
)

type intentProcessor interface {
	ProcessDueIntents(ctx context.Context, filter domain.IntentFilter) (*services.BatchResult, error)
	RecoverStale(ctx context.Context) (*services.BatchResult, error)
}

type renewer interface {
	RenewDue(ctx context.Context) (*services.BatchResult, error)
}

type reconciler interface {
	SweepEndedCancellations(ctx context.Context) (int, error)
	ReplayFailed(ctx context.Context) (int, error)
}

type providerSyncer interface {
	SyncPendingActions(ctx context.Context) (int, error)
}

// BillingServices сервисы, которые выполняют пакетные задачи
type BillingServices struct {
	Processor  intentProcessor
	Renewals   renewer
	Reconciler reconciler
	Lifecycle  providerSyncer
}

// BillingJobs задачи оркестратора с расписаниями из конфигурации.
// При выключенном планировщике расписания пустые, задачи доступны только для ручного запуска.
func BillingJobs(svc BillingServices, cfg config.JobsConfig) []Job {
	spec := func(s string) string {
		if !cfg.Enabled {
			return ""
		}
		return s
	}

	return []Job{
		{
			Name: ProcessIntents,
			Spec: spec(cfg.ProcessIntents),
			Run: func(ctx context.Context) error {
				_, err := svc.Processor.ProcessDueIntents(ctx, domain.IntentFilter{})
				return err
			},
		},
		{
			Name: RecoverStale,
			Spec: spec(cfg.RecoverStale),
			Run: func(ctx context.Context) error {
				_, err := svc.Processor.RecoverStale(ctx)
				return err
			},
		},
		{
			Name: Renewals,
			Spec: spec(cfg.Renewals),
			Run: func(ctx context.Context) error {
				_, err := svc.Renewals.RenewDue(ctx)
				return err
			},
		},
		{
			Name: PeriodEnd,
			Spec: spec(cfg.PeriodEnd),
			Run: func(ctx context.Context) error {
				_, err := svc.Reconciler.SweepEndedCancellations(ctx)
				return err
			},
		},
		{
			Name: ProviderSync,
			Spec: spec(cfg.ProviderSync),
			Run: func(ctx context.Context) error {
				_, err := svc.Lifecycle.SyncPendingActions(ctx)
				return err
			},
		},
		{
			Name: WebhookReplay,
			Spec: spec(cfg.WebhookReplay),
			Run: func(ctx context.Context) error {
				_, err := svc.Reconciler.ReplayFailed(ctx)
				return err
			},
		},
	}
}

// RegisterAll регистрирует задачи в планировщике
func RegisterAll(r *Runner, jobs []Job) error {
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			return err
		}
	}
	return nil
}
