package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"simex.com/pkg/event"
)

// =============================================================================
// Producer (sarama mocks)
// =============================================================================

func newMockProducer(t *testing.T) (*Producer, *mocks.AsyncProducer) {
	t.Helper()
	cfg := DefaultProducerConfig([]string{"mock:9092"})
	mp := mocks.NewAsyncProducer(t, cfg.saramaConfig())
	return newProducer(mp, cfg, zaptest.NewLogger(t)), mp
}

func TestProducer_PublishEnvelope(t *testing.T) {
	p, mp := newMockProducer(t)

	env, err := event.New(event.TypeOrderCreated, "BTC_USD", event.OrderCreated{OrderID: 9, Symbol: "BTC_USD"})
	require.NoError(t, err)

	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		got, err := event.Unmarshal(val)
		if err != nil {
			return err
		}
		if got.ID != env.ID {
			return errors.New("envelope id mismatch")
		}
		return nil
	})

	require.NoError(t, p.Publish(context.Background(), env))
	require.NoError(t, p.Close())
	assert.Equal(t, int64(1), p.Stats().SentCount)
	assert.Equal(t, int64(0), p.Stats().ErrorCount)
}

func TestProducer_DeliveryErrorCounted(t *testing.T) {
	p, mp := newMockProducer(t)
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	require.NoError(t, p.SendRaw(context.Background(), "simex.test", "k", []byte("v")))
	require.NoError(t, p.Close()) // Close 等 handleErrors 读完错误
	assert.Equal(t, int64(1), p.Stats().ErrorCount)
}

func TestProducer_ClosedRejects(t *testing.T) {
	p, _ := newMockProducer(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.SendRaw(context.Background(), "simex.test", "k", []byte("v"))
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestEnvelopeIsMessage(t *testing.T) {
	env, err := event.New(event.TypeOrderCancelled, "ETH_USD", event.OrderCancelled{OrderID: 1, Symbol: "ETH_USD"})
	require.NoError(t, err)

	var msg Message = env
	assert.Equal(t, "simex.order.cancelled", msg.Topic())
	assert.Equal(t, "ETH_USD", msg.Key())
	data, err := msg.Value()
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

// =============================================================================
// ConsumerGroupHandler (假 session / claim)
// =============================================================================

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "simex.test" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestConsumerGroupHandler_RetryThenMark(t *testing.T) {
	calls := map[int64]int{}
	h := &consumerGroupHandler{
		handler: func(_ string, _ int32, offset int64, _, _ []byte) error {
			calls[offset]++
			if offset == 1 && calls[offset] < 2 {
				return errors.New("transient")
			}
			if offset == 2 {
				return errors.New("poison")
			}
			return nil
		},
		maxAttempts: 3,
		backoff:     time.Millisecond,
		logger:      zaptest.NewLogger(t),
	}

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 3)}
	for off := int64(0); off < 3; off++ {
		claim.msgs <- &sarama.ConsumerMessage{Topic: "simex.test", Offset: off}
	}
	close(claim.msgs)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, map[int64]int{0: 1, 1: 2, 2: 3}, calls)
	// 失败的消息也被标记，不阻塞分区
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
}

func TestConsumerGroupHandler_StopsOnSessionDone(t *testing.T) {
	h := &consumerGroupHandler{
		handler:     func(string, int32, int64, []byte, []byte) error { return nil },
		maxAttempts: 1,
		logger:      zaptest.NewLogger(t),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	assert.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
