package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
)

// Deletes the key only while it still carries the caller's token.
const releaseLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// JobLocks hands out expiring leases so a scheduler job runs on one replica at a time.
type JobLocks struct {
	client  *redis.Client
	release *redis.Script
	holder  string
}

// Lease is held until Release or until its TTL lapses.
type Lease struct {
	locks *JobLocks
	key   string
	token string
}

func NewJobLocks(cfg config.Config, client *redis.Client) *JobLocks {
	if client == nil {
		return nil
	}
	holder := strings.TrimSpace(cfg.AppName)
	if holder == "" {
		holder = "gatekeeper"
	}
	return &JobLocks{
		client:  client,
		release: redis.NewScript(releaseLeaseScript),
		holder:  holder + "-" + strconv.FormatInt(cfg.NodeID, 10),
	}
}

// Acquire returns a nil lease and no error when another holder has the key.
func (l *JobLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil {
		return nil, errors.New("job locks not configured")
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("job lock needs a key and a positive ttl")
	}
	// The holder prefix lets operators see which replica owns a job.
	token := l.holder + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locks: l, key: key, token: token}, nil
}

// Release is a no-op once the lease has expired and someone else took the key.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.locks.release.Run(ctx, l.locks.client, []string{l.key}, l.token).Err()
}
