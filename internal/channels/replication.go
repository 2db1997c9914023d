package channels

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Replicator mirrors local broadcasts to other broker nodes. The core runs
// without one; replication is an optional module behind the registry.
type Replicator interface {
	Publish(appID, channel string, frame []byte, except []string) error
	Close()
}

const replicationSubject = "beamd.broadcast"

// replicatedBroadcast is the bus message exchanged between nodes. Channel
// names may contain dots, so the app and channel ride in the payload rather
// than the subject.
type replicatedBroadcast struct {
	Node    string          `json:"node"`
	AppID   string          `json:"app_id"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
	Except  []string        `json:"except,omitempty"`
}

// NATSReplicator fans broadcasts out over a NATS subject shared by all nodes.
type NATSReplicator struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	nodeID string
	logger zerolog.Logger
}

// NewNATSReplicator connects to NATS and starts injecting remote broadcasts
// into the given registry. Messages published by this node are ignored on
// receipt.
func NewNATSReplicator(url string, registry *Registry, logger zerolog.Logger) (*NATSReplicator, error) {
	conn, err := nats.Connect(url, nats.Name("beamd"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	r := &NATSReplicator{
		conn:   conn,
		nodeID: uuid.NewString(),
		logger: logger.With().Str("component", "replication").Logger(),
	}

	r.sub, err = conn.Subscribe(replicationSubject, func(msg *nats.Msg) {
		var rb replicatedBroadcast
		if err := json.Unmarshal(msg.Data, &rb); err != nil {
			r.logger.Warn().Err(err).Msg("malformed replication message")
			return
		}
		if rb.Node == r.nodeID {
			return
		}
		except := make(map[string]struct{}, len(rb.Except))
		for _, id := range rb.Except {
			except[id] = struct{}{}
		}
		registry.BroadcastLocal(rb.AppID, rb.Channel, rb.Frame, except)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", replicationSubject, err)
	}

	r.logger.Info().Str("node_id", r.nodeID).Str("url", url).Msg("replication enabled")
	return r, nil
}

func (r *NATSReplicator) Publish(appID, channel string, frame []byte, except []string) error {
	payload, err := json.Marshal(replicatedBroadcast{
		Node:    r.nodeID,
		AppID:   appID,
		Channel: channel,
		Frame:   frame,
		Except:  except,
	})
	if err != nil {
		return err
	}
	return r.conn.Publish(replicationSubject, payload)
}

func (r *NATSReplicator) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.conn.Close()
}
