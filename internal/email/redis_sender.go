package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const mockEmailTTL = 5 * time.Minute

// RedisSender parks messages in Redis so tests and staging can read them back.
type RedisSender struct {
	client *redis.Client
	from   string
}

// NewRedisSender creates a new RedisSender.
func NewRedisSender(client *redis.Client, from string) Sender {
	return &RedisSender{client: client, from: from}
}

// MockEmailKey is the Redis key a message to addr is stored under.
func MockEmailKey(addr string) string {
	return "mockemail:" + strings.ToLower(addr)
}

// Send stores the message as JSON under MockEmailKey of the first recipient.
func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"to":      strings.Join(to, ", "),
		"from":    s.from,
		"subject": subject,
		"body":    string(rawMessage),
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := MockEmailKey(to[0])
	if err := s.client.Set(ctx, key, payload, mockEmailTTL).Err(); err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}
	logrus.WithFields(logrus.Fields{"key": key, "subject": subject}).Info("Mock email stored in Redis")
	return nil
}
