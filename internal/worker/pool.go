package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"voicetutor-backend/internal/models"
	"voicetutor-backend/internal/repository"
	"voicetutor-backend/internal/services"
)

// Pool drains the session background queues: finalize reconciliation for
// sessions whose terminal write failed at bridge teardown, and post-session
// insight generation.
type Pool struct {
	redis       *redis.Client
	queue       *Queue
	insights    *services.InsightsService
	sessionRepo *repository.SessionRepo
	workerCount int
	stopChan    chan struct{}
}

func NewPool(
	redisClient *redis.Client,
	queue *Queue,
	insights *services.InsightsService,
	sessionRepo *repository.SessionRepo,
	workerCount int,
) *Pool {
	return &Pool{
		redis:       redisClient,
		queue:       queue,
		insights:    insights,
		sessionRepo: sessionRepo,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	queues := []string{
		QueueSessionReconcile,
		QueueSessionInsights,
	}

	for i := 0; i < p.workerCount; i++ {
		go p.worker(i, queues)
	}

	log.Printf("Started %d worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int, queues []string) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, queues...).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}
		queueName, payload := result[0], result[1]

		var processErr error
		switch queueName {
		case QueueSessionReconcile:
			processErr = p.processReconcile(ctx, id, payload)
		case QueueSessionInsights:
			processErr = p.processInsights(ctx, id, payload)
		default:
			processErr = fmt.Errorf("unknown queue: %s", queueName)
		}

		if processErr != nil {
			log.Printf("Worker %d: job from %s failed: %v", id, queueName, processErr)
		}
	}
}

// processReconcile re-applies a finalize that failed at teardown. A session
// left active corrupts duration and streak numbers downstream, so this is
// the one write worth chasing.
func (p *Pool) processReconcile(ctx context.Context, id int, payload string) error {
	var job models.ReconcileJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("failed to parse reconcile job: %w", err)
	}

	// Per-session lock so two workers don't race the same finalize
	lockKey := fmt.Sprintf("session_lock:%s", job.SessionID)
	locked, err := p.redis.SetNX(ctx, lockKey, "1", time.Minute).Result()
	if err != nil || !locked {
		p.requeueReconcile(ctx, job)
		return nil
	}
	defer p.redis.Del(ctx, lockKey)

	log.Printf("Worker %d: reconciling finalize for session %s", id, job.SessionID)

	err = p.sessionRepo.Finalize(ctx, job.SessionID, job.UserID, job.Status, job.EndedAt, job.DurationSeconds)
	if errors.Is(err, repository.ErrNotActive) {
		return nil // already finalized elsewhere
	}
	if err != nil {
		return fmt.Errorf("finalize reconcile for session %s: %w", job.SessionID, err)
	}

	p.queue.SessionEnded(ctx, job.UserID, job.SessionID, job.Status)
	p.queue.EnqueueInsights(ctx, models.InsightsJob{SessionID: job.SessionID, UserID: job.UserID})
	return nil
}

// reconcileRequeueDelay spaces out retries for a session whose lock is held.
const reconcileRequeueDelay = 2 * time.Second

// requeueReconcile pushes a reconcile job back after a short pause. Without
// the pause, idle workers spin pop→requeue against a held session lock until
// its TTL expires.
func (p *Pool) requeueReconcile(ctx context.Context, job models.ReconcileJob) {
	time.Sleep(reconcileRequeueDelay)
	p.queue.EnqueueFinalizeReconcile(ctx, job)
}

func (p *Pool) processInsights(ctx context.Context, id int, payload string) error {
	var job models.InsightsJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("failed to parse insights job: %w", err)
	}

	session, err := p.sessionRepo.GetByID(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", job.SessionID, err)
	}
	if session.Status == models.SessionStatusActive {
		return fmt.Errorf("session %s is still active", job.SessionID)
	}

	interactions, err := p.sessionRepo.ListInteractions(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load interactions for session %s: %w", job.SessionID, err)
	}
	if len(interactions) == 0 {
		return nil // nothing to summarize
	}

	log.Printf("Worker %d: generating insights for session %s (%d interactions)", id, job.SessionID, len(interactions))

	text, err := p.insights.GenerateSessionInsights(ctx, session, interactions)
	if err != nil {
		return fmt.Errorf("insight generation for session %s: %w", job.SessionID, err)
	}

	if err := p.sessionRepo.SetInsights(ctx, job.SessionID, text); err != nil {
		return fmt.Errorf("failed to save insights for session %s: %w", job.SessionID, err)
	}

	p.queue.publish(ctx, job.UserID, models.WSMessage{
		Type: "insights_ready",
		Payload: map[string]string{
			"session_id": job.SessionID.String(),
		},
	})
	return nil
}
