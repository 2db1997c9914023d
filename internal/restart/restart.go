// Package restart coordinates broker restarts across processes. The CLI
// writes a timestamped marker; running brokers watch it and begin their
// shutdown sequence when it changes.
package restart

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker is one restart command. Soft restarts drain connections; hard
// restarts close them immediately so clients reconnect to the new process.
type Marker struct {
	Time time.Time `json:"time"`
	Soft bool      `json:"soft"`
}

// ErrNoMarker is returned when no restart has ever been requested.
var ErrNoMarker = errors.New("no restart marker")

// Store persists the latest marker.
type Store interface {
	Write(ctx context.Context, m Marker) error
	Read(ctx context.Context) (Marker, error)
}

// FileStore keeps the marker in a local file. Sufficient for single-node
// deployments.
type FileStore struct {
	Path string
}

func (s FileStore) Write(_ context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o644)
}

func (s FileStore) Read(_ context.Context) (Marker, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, ErrNoMarker
		}
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

// redisKey holds the marker in multi-node deployments so one restart command
// reaches every broker.
const redisKey = "beamd:restart"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Write(ctx context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey, data, 0).Err()
}

func (s *RedisStore) Read(ctx context.Context) (Marker, error) {
	data, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Marker{}, ErrNoMarker
		}
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}
