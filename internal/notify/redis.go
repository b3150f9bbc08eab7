package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the wire form published on the notification channel.
type Outcome struct {
	ContextID string    `json:"context_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// RedisSink publishes terminal outcomes on a per-context Pub/Sub channel so
// the message transport can relay them to the originating conversation.
type RedisSink struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func NewRedisSink(addr, prefix string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSink{
		client: client,
		prefix: prefix,
		ctx:    ctx,
	}, nil
}

func (s *RedisSink) channel(contextID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, contextID)
}

func (s *RedisSink) publish(contextID, status, message string) {
	payload, err := json.Marshal(Outcome{
		ContextID: contextID,
		Status:    status,
		Message:   message,
		At:        time.Now(),
	})
	if err != nil {
		log.Printf("failed to marshal outcome for %s: %v", contextID, err)
		return
	}

	if err := s.client.Publish(s.ctx, s.channel(contextID), payload).Err(); err != nil {
		log.Printf("failed to publish outcome for %s: %v", contextID, err)
	}
}

func (s *RedisSink) NotifySuccess(contextID, message string) {
	s.publish(contextID, "success", message)
}

func (s *RedisSink) NotifyFailure(contextID, message string) {
	s.publish(contextID, "failure", message)
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
