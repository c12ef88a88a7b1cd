package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcef-innovation/identity-core/jobs"
	_ "github.com/bcef-innovation/identity-core/testing"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	infos     map[string]*asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	err       error
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func (s *stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, s.err
}

func (s *stubInspector) Close() error { return nil }

func TestTriggerTokenCleanup(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq, now: func() time.Time { return at }}

	info, err := c.Trigger(context.Background(), jobs.TaskTokenCleanup)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskTokenCleanup, info.Type)
	require.Len(t, enq.tasks, 1)

	var payload jobs.TokenCleanupPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.True(t, payload.ScheduledFor.Equal(at))
}

func TestTriggerRejectsMailTasks(t *testing.T) {
	c := &JobsCLI{client: &stubEnqueuer{}, now: time.Now}
	_, err := c.Trigger(context.Background(), jobs.TaskSendActivation)
	assert.ErrorContains(t, err, "unsupported job")
}

func TestTriggerWithoutClient(t *testing.T) {
	_, err := (&JobsCLI{}).Trigger(context.Background(), jobs.TaskTokenCleanup)
	assert.Error(t, err)
}

func TestInspectQueues(t *testing.T) {
	c := &JobsCLI{inspector: &stubInspector{infos: map[string]*asynq.QueueInfo{
		jobs.QueueMail: {Queue: jobs.QueueMail, Pending: 4, Retry: 2, Archived: 1},
	}}}

	stats, err := c.InspectQueues(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, QueueStats{Queue: jobs.QueueMail, Pending: 4, Retry: 2, Archived: 1}, stats[0])
	assert.Equal(t, QueueStats{Queue: jobs.QueueDefault}, stats[1])
}

func TestInspectQueuesBackendDown(t *testing.T) {
	c := &JobsCLI{inspector: &stubInspector{err: errors.New("dial tcp: refused")}}
	_, err := c.InspectQueues(context.Background())
	assert.ErrorContains(t, err, "refused")
}

func TestListScheduledDefaultsPageSize(t *testing.T) {
	c := &JobsCLI{inspector: &stubInspector{scheduled: []*asynq.TaskInfo{{ID: "a", Type: jobs.TaskTokenCleanup}}}}
	tasks, err := c.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
