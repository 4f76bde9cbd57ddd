package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
)

type mockPromotionRepo struct {
	undersubscribed []string
	pending         map[string][]models.Enrollment
	promotions      int
}

func (m *mockPromotionRepo) UndersubscribedClasses(ctx context.Context) ([]string, error) {
	return m.undersubscribed, nil
}

func (m *mockPromotionRepo) PromoteNext(ctx context.Context, classID string) (*models.Enrollment, error) {
	queue := m.pending[classID]
	if len(queue) == 0 {
		return nil, nil
	}
	next := queue[0]
	m.pending[classID] = queue[1:]
	m.promotions++
	return &next, nil
}

func TestScanOncePromotesUntilDrained(t *testing.T) {
	repo := &mockPromotionRepo{
		undersubscribed: []string{"class-1", "class-2"},
		pending: map[string][]models.Enrollment{
			"class-1": {
				{ID: "enr-1", ClassID: "class-1"},
				{ID: "enr-2", ClassID: "class-1"},
			},
		},
	}
	cache := &mockStatsCache{}
	svc := NewReconcilerService(repo, cache, nil, 0, zap.NewNop())

	require.NoError(t, svc.ScanOnce(context.Background()))
	assert.Equal(t, 2, repo.promotions)
	assert.Empty(t, repo.pending["class-1"])
	// Only the class that actually promoted gets its stats invalidated.
	assert.Equal(t, []string{statsCacheKey("class-1")}, cache.deleted)
}

func TestScanOnceNoopWhenNothingPending(t *testing.T) {
	repo := &mockPromotionRepo{pending: map[string][]models.Enrollment{}}
	svc := NewReconcilerService(repo, nil, nil, 0, zap.NewNop())

	require.NoError(t, svc.ScanOnce(context.Background()))
	assert.Zero(t, repo.promotions)
}
