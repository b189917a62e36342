package billing

import (
	"context"
	"fmt"

	"go.etcd.io/etcd/client/v3/concurrency"

	"controlplane/internal/etcdutil"
)

// electionPrefix is the etcd key prefix every control-plane replica
// campaigns under. Only one holds the key at a time; that replica alone
// runs scheduler ticks, satisfying "one single-threaded driver runs the
// billing scheduler" even when the process is horizontally scaled.
const electionPrefix = "/controlplane/billing-scheduler/leader"

const sessionTTLSeconds = 10

// elector campaigns for and holds the billing scheduler's leader lock.
type elector struct {
	client *etcdutil.Client
	nodeID string
}

func newElector(client *etcdutil.Client, nodeID string) *elector {
	return &elector{client: client, nodeID: nodeID}
}

// campaign blocks until this node becomes the leader (or ctx is cancelled),
// then returns the session backing the leadership; the session's Done
// channel closes when leadership is lost (session expiry, etcd partition, etc).
func (e *elector) campaign(ctx context.Context) (*concurrency.Session, error) {
	session, err := e.client.NewSession(ctx, sessionTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("billing.elector: opening session: %w", err)
	}

	election := e.client.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, e.nodeID); err != nil {
		session.Close()
		return nil, fmt.Errorf("billing.elector: campaigning: %w", err)
	}

	return session, nil
}
