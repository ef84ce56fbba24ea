package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/glimte/mmate-comms/transports/memory"
	"github.com/stretchr/testify/require"
)

const testNamespace = "shop"

// seenSet counts deliveries per messageId
type seenSet struct {
	mu     sync.Mutex
	counts map[string]int
}

func newSeenSet() *seenSet {
	return &seenSet{counts: make(map[string]int)}
}

// observe records id and returns how often it has been seen, including this time
func (s *seenSet) observe(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
	return s.counts[id]
}

func (s *seenSet) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *seenSet) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.counts {
		n += v
	}
	return n
}

func newTestBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.NewBroker()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func startService(t *testing.T, broker messaging.Broker, cfg ServiceConfig, setup func(s *Service)) *Service {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = testNamespace
	}
	svc, err := NewService(broker, cfg)
	require.NoError(t, err)
	if setup != nil {
		setup(svc)
	}
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startCommunicator(t *testing.T, broker messaging.Broker, cfg CommunicatorConfig, handler messaging.Handler) *Communicator {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = testNamespace
	}
	comm, err := NewCommunicator(broker, cfg)
	require.NoError(t, err)
	if handler != nil {
		require.NoError(t, comm.AddOutputListener(handler))
	}
	require.NoError(t, comm.Start(context.Background()))
	t.Cleanup(func() { _ = comm.Close() })
	return comm
}

func noop(ctx context.Context, lc *messaging.ListenerContext) error {
	return nil
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 5*time.Millisecond)
}

func md(kv ...interface{}) contracts.Metadata {
	out := contracts.Metadata{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
