package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/wastebill/internal/bus"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/repository"
	"github.com/opensource-finance/wastebill/internal/testutil"
)

var firstOfApril = time.Date(2025, time.April, 1, 2, 0, 0, 0, time.UTC)

func contract(id string, status domain.ContractStatus, mutate func(*domain.Contract)) *domain.Contract {
	c := testutil.Contract()
	c.ID = id
	c.Status = status
	if mutate != nil {
		mutate(c)
	}
	return c
}

func seeded(t *testing.T) *repository.MemoryRepository {
	t.Helper()
	repo := repository.NewMemory()
	ctx := context.Background()
	for _, c := range []*domain.Contract{
		contract("C-ACTIVE", domain.StatusActive, nil),
		contract("C-DRAFT", domain.StatusDraft, nil),
		contract("C-SUSPENDED", domain.StatusSuspended, nil),
		contract("C-TERMINATED-MARCH", domain.StatusTerminated, func(c *domain.Contract) {
			c.UpdatedAt = time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)
		}),
		contract("C-TERMINATED-FEB", domain.StatusTerminated, func(c *domain.Contract) {
			c.UpdatedAt = time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC)
		}),
		contract("C-STARTS-APRIL", domain.StatusActive, func(c *domain.Contract) {
			c.EffectiveDate = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
		}),
		contract("C-EXPIRED-FEB", domain.StatusActive, func(c *domain.Contract) {
			end := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
			c.ExpiryDate = &end
		}),
	} {
		require.NoError(t, repo.SaveContract(ctx, c))
	}
	return repo
}

func TestTriggerRequestsPreviousMonth(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	got := make(chan domain.PeriodRunRequest, 10)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicPeriodRun, func(_ context.Context, msg *domain.Message) error {
		var req domain.PeriodRunRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		got <- req
		return nil
	})
	require.NoError(t, err)

	s, err := New("0 2 1 * *", seeded(t), eventBus, func() time.Time { return firstOfApril })
	require.NoError(t, err)

	n, err := s.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var ids []string
	for i := 0; i < n; i++ {
		select {
		case req := <-got:
			assert.Equal(t, "2025-03", req.PeriodKey)
			assert.Equal(t, "scheduler", req.RequestedBy)
			ids = append(ids, req.ContractID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for run request")
		}
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"C-ACTIVE", "C-SUSPENDED", "C-TERMINATED-MARCH"}, ids)
}

func TestTriggerAcrossYearBoundary(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	got := make(chan string, 1)
	eventBus.Subscribe(context.Background(), domain.TopicPeriodRun, func(_ context.Context, msg *domain.Message) error {
		var req domain.PeriodRunRequest
		_ = json.Unmarshal(msg.Payload, &req)
		got <- req.PeriodKey
		return nil
	})

	repo := repository.NewMemory()
	require.NoError(t, repo.SaveContract(context.Background(), testutil.Contract()))

	s, err := New("0 2 1 * *", repo, eventBus, func() time.Time {
		return time.Date(2026, time.January, 1, 2, 0, 0, 0, time.UTC)
	})
	require.NoError(t, err)

	_, err = s.Trigger(context.Background())
	require.NoError(t, err)
	select {
	case key := <-got:
		assert.Equal(t, "2025-12", key)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run request")
	}
}

func TestTriggerReportsPublishFailures(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	require.NoError(t, eventBus.Close())

	s, err := New("@monthly", seeded(t), eventBus, func() time.Time { return firstOfApril })
	require.NoError(t, err)

	n, err := s.Trigger(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, bus.ErrClosed)
}

type failingLister struct{}

func (failingLister) ListContracts(context.Context, domain.ContractStatus) ([]*domain.Contract, error) {
	return nil, errors.New("database is locked")
}

func TestTriggerListFailure(t *testing.T) {
	s, err := New("@monthly", failingLister{}, bus.NewChannelBus(1), nil)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every month please", repository.NewMemory(), bus.NewChannelBus(1), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStartStop(t *testing.T) {
	s, err := New("0 2 1 * *", repository.NewMemory(), bus.NewChannelBus(1), nil)
	require.NoError(t, err)

	s.Start()
	next := s.Next()
	assert.Equal(t, 1, next.Day())
	assert.Equal(t, 2, next.Hour())
	s.Stop()

	last, err := s.LastRun()
	assert.True(t, last.IsZero())
	assert.NoError(t, err)
}
