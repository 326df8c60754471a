package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/storage"
	"github.com/pipeforge/conductor/workflow"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	handlers map[string]dispatcher.ResultHandler
	respond  func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope
	dispatched []dispatcher.TaskEnvelope
}

func newFakeDispatcher(respond func(dispatcher.TaskEnvelope) dispatcher.ResultEnvelope) *fakeDispatcher {
	return &fakeDispatcher{handlers: make(map[string]dispatcher.ResultHandler), respond: respond}
}

func (f *fakeDispatcher) DispatchTask(ctx context.Context, env dispatcher.TaskEnvelope) error {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, env)
	handler := f.handlers[env.WorkflowID]
	f.mu.Unlock()

	go func() {
		result := f.respond(env)
		result.TaskID = env.TaskID
		result.WorkflowID = env.WorkflowID
		if handler != nil {
			handler(ctx, result)
		}
	}()
	return nil
}

func (f *fakeDispatcher) OnResult(workflowID string, handler dispatcher.ResultHandler, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[workflowID] = handler
}

func (f *fakeDispatcher) OffResult(workflowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, workflowID)
}

func (f *fakeDispatcher) dispatchedAgentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, env := range f.dispatched {
		out = append(out, env.AgentType)
	}
	return out
}

func twoStageDefinition() workflow.Definition {
	def := workflow.Definition{
		StartStage: "A",
		Stages: map[string]workflow.StageConfig{
			"A": {Name: "A", AgentType: "scaffold", OnSuccess: "B"},
			"B": {Name: "B", AgentType: "validation"},
		},
	}
	def, err := workflow.New(def)
	if err != nil {
		panic(err)
	}
	return def
}

func alwaysSucceed(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
	return dispatcher.ResultEnvelope{Status: dispatcher.ResultSuccess, Success: true, Timestamp: time.Now()}
}

func TestService_TwoStageHappyPath(t *testing.T) {
	fd := newFakeDispatcher(alwaysSucceed)
	b := bus.NewInMemory(nil)
	store := storage.NewMemoryStore()
	s := New(fd, store, b, nil)

	require.NoError(t, s.Create(context.Background(), "wf-1", twoStageDefinition(), nil))
	require.NoError(t, s.Start(context.Background(), "wf-1"))

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "wf-1")
		return err == nil && rec.Status == storage.WorkflowSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkflowSucceeded, rec.Status)
	assert.Equal(t, []string{"scaffold", "validation"}, fd.dispatchedAgentTypes())
}

func TestService_FailureRoutesToOnFailureTarget(t *testing.T) {
	def := workflow.Definition{
		StartStage: "A",
		Stages: map[string]workflow.StageConfig{
			"A": {Name: "A", AgentType: "scaffold", OnSuccess: "B", OnFailure: "B"},
			"B": {Name: "B", AgentType: "validation"},
		},
	}
	def, err := workflow.New(def)
	require.NoError(t, err)

	first := true
	fd := newFakeDispatcher(func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
		if first {
			first = false
			return dispatcher.ResultEnvelope{Status: dispatcher.ResultFailed, Error: &dispatcher.ResultError{Code: "BUILD_ERROR", Message: "failed"}, Timestamp: time.Now()}
		}
		return dispatcher.ResultEnvelope{Status: dispatcher.ResultSuccess, Success: true, Timestamp: time.Now()}
	})
	store := storage.NewMemoryStore()
	s := New(fd, store, nil, nil)

	require.NoError(t, s.Create(context.Background(), "wf-2", def, nil))
	require.NoError(t, s.Start(context.Background(), "wf-2"))

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "wf-2")
		return err == nil && rec.Status == storage.WorkflowSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"scaffold", "validation"}, fd.dispatchedAgentTypes())
}

func TestService_TerminalFailureWithoutOnFailureTransition(t *testing.T) {
	def := workflow.Definition{
		StartStage: "A",
		Stages: map[string]workflow.StageConfig{
			"A": {Name: "A", AgentType: "scaffold"},
		},
	}
	def, err := workflow.New(def)
	require.NoError(t, err)

	fd := newFakeDispatcher(func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
		return dispatcher.ResultEnvelope{Status: dispatcher.ResultFailed, Error: &dispatcher.ResultError{Code: "BUILD_ERROR", Message: "boom"}, Timestamp: time.Now()}
	})
	store := storage.NewMemoryStore()
	s := New(fd, store, nil, nil)

	require.NoError(t, s.Create(context.Background(), "wf-3", def, nil))
	require.NoError(t, s.Start(context.Background(), "wf-3"))

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "wf-3")
		return err == nil && rec.Status == storage.WorkflowFailed
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := store.Get(context.Background(), "wf-3")
	require.NoError(t, err)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "boom", rec.LastError.Message)
}

func TestService_CancelRemovesHandlerAndPersistsStatus(t *testing.T) {
	fd := newFakeDispatcher(func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
		time.Sleep(50 * time.Millisecond)
		return dispatcher.ResultEnvelope{Status: dispatcher.ResultSuccess, Success: true, Timestamp: time.Now()}
	})
	store := storage.NewMemoryStore()
	s := New(fd, store, nil, nil)

	require.NoError(t, s.Create(context.Background(), "wf-4", twoStageDefinition(), nil))
	require.NoError(t, s.Start(context.Background(), "wf-4"))

	require.NoError(t, s.Cancel(context.Background(), "wf-4"))

	rec, err := store.Get(context.Background(), "wf-4")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkflowCancelled, rec.Status)

	time.Sleep(100 * time.Millisecond)
	rec, err = store.Get(context.Background(), "wf-4")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkflowCancelled, rec.Status, "a result arriving after cancel must not overwrite terminal status")
}

func TestService_CreateRejectsInvalidDefinition(t *testing.T) {
	fd := newFakeDispatcher(alwaysSucceed)
	store := storage.NewMemoryStore()
	s := New(fd, store, nil, nil)

	err := s.Create(context.Background(), "wf-5", workflow.Definition{}, nil)
	assert.Error(t, err)
}
