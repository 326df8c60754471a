package bus

import "fmt"

// ResultsTopic is the single topic every agent publishes result envelopes
// to; the dispatcher is its sole subscriber, under a shared consumer
// group.
const ResultsTopic = "orchestrator:results"

// TaskTopic returns the per-agent-type task topic a dispatcher publishes
// to and an agent runtime subscribes to.
func TaskTopic(agentType string) string {
	return fmt.Sprintf("agent:tasks:%s", agentType)
}

// ResultsConsumerGroup is the dispatcher's shared consumer group name on
// ResultsTopic.
const ResultsConsumerGroup = "dispatcher-results-group"

// TaskConsumerGroup returns the consumer group an agent runtime of the
// given type subscribes to its task topic under.
func TaskConsumerGroup(agentType string) string {
	return fmt.Sprintf("agent-%s-group", agentType)
}

// StreamName returns the append-only mirror stream name for topic.
func StreamName(topic string) string {
	return fmt.Sprintf("stream:%s", topic)
}

// PipelineUpdatesTopic carries pipeline lifecycle events (execution_started,
// stage_started, stage_completed, stage_failed, execution_completed,
// execution_failed).
const PipelineUpdatesTopic = "pipeline:updates"

// Workflow lifecycle topics.
const (
	WorkflowCreatedTopic   = "workflow.created"
	WorkflowStartedTopic   = "workflow.started"
	WorkflowCompletedTopic = "workflow.completed"
	WorkflowFailedTopic    = "workflow.failed"
)
