package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicetutor-backend/internal/models"
)

const (
	QueueSessionReconcile = "queue:session-reconcile"
	QueueSessionInsights  = "queue:session-insights"
)

// Queue pushes background jobs onto the Redis lists the worker pool drains,
// and publishes user-facing events over pub/sub. It is the bridge's notifier.
// Queue ops and publishes go over separate connections so a blocked pop never
// delays a notification.
type Queue struct {
	queue  *redis.Client
	pubsub *redis.Client
}

func NewQueue(queueClient, pubsubClient *redis.Client) *Queue {
	return &Queue{queue: queueClient, pubsub: pubsubClient}
}

// SessionEnded publishes a session_ended event to the user's update channel.
func (q *Queue) SessionEnded(ctx context.Context, userID, sessionID uuid.UUID, status string) {
	q.publish(ctx, userID, models.WSMessage{
		Type: "session_ended",
		Payload: map[string]string{
			"session_id": sessionID.String(),
			"status":     status,
		},
	})
}

// EnqueueFinalizeReconcile queues a failed finalize for out-of-band retry.
func (q *Queue) EnqueueFinalizeReconcile(ctx context.Context, job models.ReconcileJob) {
	q.push(ctx, QueueSessionReconcile, job)
}

// EnqueueInsights queues post-session insight generation.
func (q *Queue) EnqueueInsights(ctx context.Context, job models.InsightsJob) {
	q.push(ctx, QueueSessionInsights, job)
}

func (q *Queue) push(ctx context.Context, queue string, job interface{}) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := q.queue.RPush(ctx, queue, data).Err(); err != nil {
		log.Printf("Queue: failed to push to %s: %v", queue, err)
	}
}

func (q *Queue) publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := q.pubsub.Publish(ctx, fmt.Sprintf("user_updates:%s", userID), string(data)).Err(); err != nil {
		log.Printf("Queue: failed to publish update for user %s: %v", userID, err)
	}
}
