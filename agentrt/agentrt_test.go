package agentrt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/conductor/breaker"
	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/retry"
)

type fakeRegistry struct {
	mu          sync.Mutex
	registered  []dispatcher.AgentRecord
	deregistered []string
}

func (f *fakeRegistry) Register(ctx context.Context, rec dispatcher.AgentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, rec)
	return nil
}

func (f *fakeRegistry) Deregister(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, agentID)
	return nil
}

func publishTask(t *testing.T, b bus.Port, agentType string, env dispatcher.TaskEnvelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.TaskTopic(agentType), payload, bus.PublishOptions{Key: env.WorkflowID, MirrorToStream: bus.StreamName(bus.TaskTopic(agentType))}))
}

func collectResult(t *testing.T, b bus.Port) chan dispatcher.ResultEnvelope {
	ch := make(chan dispatcher.ResultEnvelope, 4)
	_, err := b.Subscribe(context.Background(), bus.ResultsTopic, func(ctx context.Context, msg bus.Message) error {
		var re dispatcher.ResultEnvelope
		if err := json.Unmarshal(msg.Payload, &re); err != nil {
			return err
		}
		ch <- re
		return nil
	}, bus.SubscribeOptions{ConsumerGroup: bus.ResultsConsumerGroup})
	require.NoError(t, err)
	return ch
}

func TestAgent_SuccessfulExecutePublishesSuccessResult(t *testing.T) {
	b := bus.NewInMemory(nil)
	results := collectResult(t, b)
	reg := &fakeRegistry{}

	a := New(Config{AgentType: "scaffold", Version: "1.0.0"}, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		return ExecuteResult{Data: map[string]any{"ok": true}}, nil
	}, nil)
	require.NoError(t, a.Start(context.Background()))

	publishTask(t, b, "scaffold", dispatcher.TaskEnvelope{TaskID: "t1", WorkflowID: "wf1", AgentType: "scaffold"})

	select {
	case re := <-results:
		assert.True(t, re.Success)
		assert.Equal(t, dispatcher.ResultSuccess, re.Status)
		assert.Equal(t, "t1", re.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.TasksProcessed)
	assert.Equal(t, HealthHealthy, stats.Health)
}

func TestAgent_MalformedEnvelopePublishesValidationFailure(t *testing.T) {
	b := bus.NewInMemory(nil)
	results := collectResult(t, b)
	reg := &fakeRegistry{}

	a := New(Config{AgentType: "scaffold"}, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		t.Fatal("execute should not run for a missing-field envelope")
		return ExecuteResult{}, nil
	}, nil)
	require.NoError(t, a.Start(context.Background()))

	publishTask(t, b, "scaffold", dispatcher.TaskEnvelope{TaskID: "t2"})

	select {
	case re := <-results:
		assert.False(t, re.Success)
		assert.Equal(t, dispatcher.ResultFailed, re.Status)
		require.NotNil(t, re.Error)
		assert.Equal(t, "VALIDATION_ERROR", re.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestAgent_ExecuteErrorRetriesThenFails(t *testing.T) {
	b := bus.NewInMemory(nil)
	results := collectResult(t, b)
	reg := &fakeRegistry{}

	var attempts int32
	fast := Config{AgentType: "validation"}
	retryOpts := quickRetryOptions()
	fast.RetryOptions = &retryOpts

	a := New(fast, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		attempts++
		return ExecuteResult{}, errors.New("boom")
	}, nil)
	require.NoError(t, a.Start(context.Background()))

	publishTask(t, b, "validation", dispatcher.TaskEnvelope{TaskID: "t3", WorkflowID: "wf3", AgentType: "validation"})

	select {
	case re := <-results:
		assert.False(t, re.Success)
		assert.Equal(t, dispatcher.ResultFailed, re.Status)
		require.NotNil(t, re.Error)
		assert.Equal(t, "AGENT_EXECUTION_ERROR", re.Error.Code)
		assert.True(t, re.Error.Retryable)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	assert.GreaterOrEqual(t, int(attempts), 2, "retry preset should attempt more than once before giving up")

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.ErrorsCount)
}

func TestAgent_PanicInExecuteIsRecoveredAsFailure(t *testing.T) {
	b := bus.NewInMemory(nil)
	results := collectResult(t, b)
	reg := &fakeRegistry{}

	cfg := Config{AgentType: "scaffold"}
	retryOpts := quickRetryOptions()
	retryOpts.MaxAttempts = 1
	cfg.RetryOptions = &retryOpts

	a := New(cfg, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		panic("unexpected")
	}, nil)
	require.NoError(t, a.Start(context.Background()))

	publishTask(t, b, "scaffold", dispatcher.TaskEnvelope{TaskID: "t4", WorkflowID: "wf4", AgentType: "scaffold"})

	select {
	case re := <-results:
		assert.False(t, re.Success)
		require.NotNil(t, re.Error)
		assert.Equal(t, "AGENT_EXECUTION_ERROR", re.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestAgent_ShutdownDeregistersAgent(t *testing.T) {
	b := bus.NewInMemory(nil)
	reg := &fakeRegistry{}

	a := New(Config{AgentType: "scaffold"}, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		return ExecuteResult{}, nil
	}, nil)
	require.NoError(t, a.Start(context.Background()))
	require.Len(t, reg.registered, 1)

	require.NoError(t, a.Shutdown(context.Background()))
	require.Len(t, reg.deregistered, 1)
	assert.Equal(t, a.AgentID(), reg.deregistered[0])
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, classifyHealth(0))
	assert.Equal(t, HealthHealthy, classifyHealth(5))
	assert.Equal(t, HealthDegraded, classifyHealth(6))
	assert.Equal(t, HealthDegraded, classifyHealth(10))
	assert.Equal(t, HealthUnhealthy, classifyHealth(11))
}

func TestAgent_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	b := bus.NewInMemory(nil)
	results := collectResult(t, b)
	reg := &fakeRegistry{}

	cfg := Config{AgentType: "scaffold"}
	retryOpts := quickRetryOptions()
	retryOpts.MaxAttempts = 1
	cfg.RetryOptions = &retryOpts
	cfg.BreakerOptions = breaker.Options{FailureThreshold: 2, MinimumRequests: 2, FailureRateThreshold: 50, OpenDuration: time.Minute}

	a := New(cfg, b, reg, func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error) {
		return ExecuteResult{}, errors.New("boom")
	}, nil)
	require.NoError(t, a.Start(context.Background()))

	for i := 0; i < 3; i++ {
		publishTask(t, b, "scaffold", dispatcher.TaskEnvelope{TaskID: "t", WorkflowID: "wf", AgentType: "scaffold"})
		select {
		case <-results:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for result")
		}
	}

	stats := a.Stats()
	assert.GreaterOrEqual(t, int(stats.ErrorsCount), 2)
	assert.Equal(t, breaker.Open, a.breaker.State())
}

// quickRetryOptions trims retry delays to keep tests fast.
func quickRetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		DisableJitter:     true,
	}
}
