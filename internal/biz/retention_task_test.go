package biz

import (
	"context"
	"testing"
	"time"

	"ModelHub/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestAlertRetentionTask_Run(t *testing.T) {
	history := &fakeHistoryRepo{deleted: 12}
	task := NewAlertRetentionTask(&conf.Alert{HistoryRetention: durationpb.New(48 * time.Hour)}, history, log.DefaultLogger)
	clock := newFakeClock()
	task.now = clock.Now

	deleted, err := task.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
	assert.Equal(t, clock.Now().Add(-48*time.Hour), history.cutoff)
}

func TestAlertRetentionTask_DefaultRetention(t *testing.T) {
	task := NewAlertRetentionTask(nil, &fakeHistoryRepo{}, log.DefaultLogger)
	assert.Equal(t, 7*24*time.Hour, task.Retention())
}
