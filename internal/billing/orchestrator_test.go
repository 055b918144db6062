package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/repository"
	. "github.com/opensource-finance/wastebill/internal/testutil"
)

var runAt = time.Date(2025, time.April, 1, 2, 0, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, repo *repository.MemoryRepository) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Source:    repo,
		Audit:     repo,
		Summaries: repo,
		Billing:   domain.BillingConfig{MaxWorkers: 4, AppendTimeout: time.Second},
		Clock:     func() time.Time { return runAt },
	})
	require.NoError(t, err)
	return o
}

func seed(t *testing.T, usage []*domain.CollectionUsageRecord, events ...*domain.CollectionEvent) *repository.MemoryRepository {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory()
	require.NoError(t, repo.SaveContract(ctx, Contract()))
	for _, u := range usage {
		require.NoError(t, repo.SaveUsage(ctx, u))
	}
	for _, e := range events {
		require.NoError(t, repo.SaveEvent(ctx, e))
	}
	return repo
}

func clockAt(day, hh, mm int) time.Time {
	return time.Date(2025, time.March, day, hh, mm, 0, 0, time.UTC)
}

// latePickup is requested at 08:30 for a 09:00-09:30 window, arrives 10:05 and completes 10:20.
func latePickup(id string) *domain.CollectionEvent {
	arrived, completed := clockAt(3, 10, 5), clockAt(3, 10, 20)
	return &domain.CollectionEvent{
		ID:          id,
		ContractID:  "C-100",
		PeriodKey:   "2025-03",
		Status:      domain.EventCompleted,
		RequestedAt: clockAt(3, 8, 30),
		WindowStart: clockAt(3, 9, 0),
		WindowEnd:   clockAt(3, 9, 30),
		ArrivedAt:   &arrived,
		CompletedAt: &completed,
	}
}

func paper(kg string) []*domain.CollectionUsageRecord {
	return []*domain.CollectionUsageRecord{
		Usage("U-1", "2025-03", Date(2025, time.March, 3), map[string]string{"paper": kg}),
	}
}

func hasWarning(s *domain.PeriodSummary, code string) bool {
	for _, w := range s.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestRunPeriod(t *testing.T) {
	repo := seed(t, paper("300"), latePickup("EV-U-1"))
	o := newOrchestrator(t, repo)
	ctx := context.Background()

	s, err := o.RunPeriod(ctx, "C-100", "2025-03")
	require.NoError(t, err)

	// 300kg paper at 50/kg is 15000, less the 10% tier discount.
	assert.Equal(t, domain.Money(13500), s.Charge.Total)
	assert.Equal(t, s.Charge.Total, s.Charge.Reconcile())

	require.Len(t, s.Outcomes, 1)
	out := s.Outcomes[0]
	assert.Equal(t, domain.OutcomeBreached, out.Status)
	assert.Equal(t, int64(35), out.LateMinutes)
	assert.Equal(t, domain.Money(13500), out.Basis)
	assert.Equal(t, domain.Money(1350), out.CreditAmount)

	assert.Equal(t, domain.Money(0), s.PenaltyTotal)
	assert.Equal(t, domain.Money(1350), s.CreditTotal)
	assert.True(t, s.ComplianceRate.IsZero())
	assert.False(t, s.TargetMet)
	require.Len(t, s.PeriodCredits, 1)
	assert.Equal(t, "SC-1", s.PeriodCredits[0].RuleID)
	assert.Equal(t, domain.Money(675), s.PeriodCredits[0].Amount)
	assert.Equal(t, domain.Money(11475), s.NetAmount)
	assert.Empty(t, s.Escalations)
	assert.Equal(t, runAt, s.GeneratedAt)
	assert.Contains(t, s.RuleVersions, "waste_rate:R-paper-1")

	require.Len(t, s.AuditEntryIDs, 1)
	entry, err := o.Recorder().Latest(ctx, "C-100", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, s.AuditEntryIDs[0], entry.ID)
	assert.Equal(t, domain.ActionPeriodComputed, entry.Action)
	assert.Equal(t, s.RuleVersions, entry.RuleVersions)

	stored, err := repo.GetSummary(ctx, "C-100", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)
	assert.Equal(t, domain.Money(11475), stored.NetAmount)
}

func TestRunPeriodMissingRate(t *testing.T) {
	usage := []*domain.CollectionUsageRecord{
		Usage("U-1", "2025-03", Date(2025, time.March, 3), map[string]string{"paper": "100", "glass": "40"}),
	}
	repo := seed(t, usage)
	o := newOrchestrator(t, repo)
	ctx := context.Background()

	_, err := o.RunPeriod(ctx, "C-100", "2025-03")
	require.Error(t, err)

	var missing *domain.MissingRateError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"glass"}, missing.WasteTypes)
	assert.True(t, domain.IsConfigurationError(err))

	entries, err := o.Recorder().History(ctx, "C-100")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionPeriodFailed, entries[0].Action)
	assert.Contains(t, entries[0].Error, "glass")

	_, err = repo.GetSummary(ctx, "C-100", "2025-03")
	assert.True(t, domain.IsNotFound(err), "no summary is published for a failed run")
}

func TestRunPeriodUnresolvedEvent(t *testing.T) {
	bad := latePickup("EV-BAD")
	early := clockAt(3, 7, 0)
	bad.ArrivedAt = &early

	repo := seed(t, paper("300"), latePickup("EV-U-1"), bad)
	s, err := newOrchestrator(t, repo).RunPeriod(context.Background(), "C-100", "2025-03")
	require.NoError(t, err)

	assert.Equal(t, domain.Money(13500), s.Charge.Total)
	require.Len(t, s.Outcomes, 1)
	assert.Equal(t, "EV-U-1", s.Outcomes[0].EventID)
	require.Len(t, s.UnresolvedEvents, 1)
	assert.Equal(t, "EV-BAD", s.UnresolvedEvents[0].EventID)
	assert.True(t, hasWarning(s, domain.WarnUnresolvedEvents))
}

func TestRunPeriodRerunSupersedes(t *testing.T) {
	repo := seed(t, paper("300"))
	o := newOrchestrator(t, repo)
	ctx := context.Background()

	first, err := o.RunPeriod(ctx, "C-100", "2025-03")
	require.NoError(t, err)
	second, err := o.RunPeriod(ctx, "C-100", "2025-03")
	require.NoError(t, err)

	assert.Equal(t, first.Charge.Total, second.Charge.Total)
	assert.NotEqual(t, first.ID, second.ID)

	entries, err := o.Recorder().History(ctx, "C-100")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].ID, entries[1].Supersedes)

	stored, err := repo.GetSummary(ctx, "C-100", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
}

func TestRunPeriodCancelled(t *testing.T) {
	repo := seed(t, paper("300"), latePickup("EV-U-1"))
	o := newOrchestrator(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.RunPeriod(ctx, "C-100", "2025-03")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := o.Recorder().History(context.Background(), "C-100")
	require.NoError(t, err)
	assert.Empty(t, entries, "a cancelled run commits nothing")
}

func TestRunPeriodNetClamped(t *testing.T) {
	missed := &domain.CollectionEvent{
		ID:          "EV-M",
		ContractID:  "C-100",
		PeriodKey:   "2025-03",
		Status:      domain.EventMissed,
		RequestedAt: clockAt(5, 7, 0),
	}
	repo := seed(t, paper("10"), missed)

	s, err := newOrchestrator(t, repo).RunPeriod(context.Background(), "C-100", "2025-03")
	require.NoError(t, err)

	assert.Equal(t, domain.Money(500), s.Charge.Total)
	assert.Equal(t, domain.Money(2500), s.PenaltyTotal)
	assert.Equal(t, domain.Money(0), s.NetAmount)
	assert.True(t, hasWarning(s, domain.WarnNetClamped))

	require.Len(t, s.Escalations, 1)
	assert.Equal(t, "E-1", s.Escalations[0].RuleID)
	assert.Equal(t, clockAt(5, 12, 30), s.Escalations[0].NotificationTime)
}

func TestRunPeriodInvalidPeriod(t *testing.T) {
	o := newOrchestrator(t, seed(t, nil))
	_, err := o.RunPeriod(context.Background(), "C-100", "2025-13")
	assert.ErrorIs(t, err, domain.ErrInvalidPeriodKey)
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEventBases(t *testing.T) {
	sum := func(bases map[string]domain.Money) domain.Money {
		var total domain.Money
		for _, b := range bases {
			total += b
		}
		return total
	}

	t.Run("missed pickup weighs the mean volume", func(t *testing.T) {
		usage := []*domain.CollectionUsageRecord{
			Usage("U-1", "2025-03", Date(2025, time.March, 3), map[string]string{"paper": "100"}),
			Usage("U-2", "2025-03", Date(2025, time.March, 10), map[string]string{"paper": "300", "plastic": "100"}),
		}
		events := []*domain.CollectionEvent{{ID: "EV-U-1"}, {ID: "EV-U-2"}, {ID: "EV-X"}}

		bases := eventBases(12000, usage, events)
		assert.Equal(t, domain.Money(1600), bases["EV-U-1"])
		assert.Equal(t, domain.Money(6400), bases["EV-U-2"])
		assert.Equal(t, domain.Money(4000), bases["EV-X"])
		assert.Equal(t, domain.Money(12000), sum(bases))
	})

	t.Run("remainder goes to earlier events", func(t *testing.T) {
		usage := []*domain.CollectionUsageRecord{
			Usage("U-1", "2025-03", Date(2025, time.March, 3), map[string]string{"paper": "300"}),
		}
		events := []*domain.CollectionEvent{{ID: "EV-U-1"}, {ID: "EV-2"}, {ID: "EV-3"}}

		bases := eventBases(20000, usage, events)
		assert.Equal(t, domain.Money(6667), bases["EV-U-1"])
		assert.Equal(t, domain.Money(6667), bases["EV-2"])
		assert.Equal(t, domain.Money(6666), bases["EV-3"])
		assert.Equal(t, domain.Money(20000), sum(bases))
	})

	t.Run("no usage splits evenly", func(t *testing.T) {
		events := []*domain.CollectionEvent{{ID: "EV-1"}, {ID: "EV-2"}}
		bases := eventBases(501, nil, events)
		assert.Equal(t, domain.Money(251), bases["EV-1"])
		assert.Equal(t, domain.Money(250), bases["EV-2"])
	})

	t.Run("usage without an event stays out of the weights", func(t *testing.T) {
		usage := []*domain.CollectionUsageRecord{
			Usage("U-1", "2025-03", Date(2025, time.March, 3), map[string]string{"paper": "100"}),
			Usage("U-9", "2025-03", Date(2025, time.March, 9), map[string]string{"paper": "900"}),
		}
		bases := eventBases(13500, usage, []*domain.CollectionEvent{{ID: "EV-U-1"}})
		assert.Equal(t, domain.Money(13500), bases["EV-U-1"])
	})
}
