package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayworks/tokenrelay/internal/ai"
	"github.com/relayworks/tokenrelay/internal/config"
	"github.com/relayworks/tokenrelay/internal/db"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
	"github.com/relayworks/tokenrelay/internal/store/redisstore"
	"github.com/relayworks/tokenrelay/internal/stream"
)

func providerRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
		), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := stream.NewRepo(gdb)
	svc := stream.NewService(repo, providerRegistry(cfg), cfg.MaxTokens)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	sink := rds.TokenSink()

	relayer := relay.New(log.Default())

	concurrency := cfg.WorkerConcurrency
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency, cfg.RetryBackoffMs)
	if err != nil {
		log.Fatalf("rabbit consumer: %v", err)
	}
	defer consumer.Close()

	msgs, err := consumer.Consume()
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d maxAttempts=%d",
		cfg.RabbitQueue, concurrency, cfg.RelayMaxAttempts)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	run := func(ctx context.Context, req rabbitmq.StreamRequest) relay.Outcome {
		return runRelay(ctx, svc, relayer, sink, req)
	}

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, cfg.RelayMaxAttempts, run, amqpMessage{d: d, consumer: consumer})
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// queueMessage is the slice of a queue delivery the ack policy needs. The
// broker-backed implementation is amqpMessage.
type queueMessage interface {
	Body() []byte
	Attempts() int
	Ack() error
	// Nack dead-letters the message to the DLQ
	Nack() error
	Retry(ctx context.Context) error
}

type relayRunner func(ctx context.Context, req rabbitmq.StreamRequest) relay.Outcome

type amqpMessage struct {
	d        amqp.Delivery
	consumer *rabbitmq.Consumer
}

func (m amqpMessage) Body() []byte                    { return m.d.Body }
func (m amqpMessage) Attempts() int                   { return rabbitmq.Attempts(m.d) }
func (m amqpMessage) Ack() error                      { return m.d.Ack(false) }
func (m amqpMessage) Nack() error                     { return m.d.Nack(false, false) }
func (m amqpMessage) Retry(ctx context.Context) error { return m.consumer.Retry(ctx, m.d) }

// handleDelivery applies the queue policy to one trigger: malformed
// messages are dropped with an ack, a failed relay is retried with backoff
// until maxAttempts then dead-lettered, and completed or sink_gone runs are
// acked.
func handleDelivery(ctx context.Context, workerID, maxAttempts int, run relayRunner, msg queueMessage) {
	var req rabbitmq.StreamRequest
	if err := json.Unmarshal(msg.Body(), &req); err != nil || req.SessionID == "" || req.Prompt == "" {
		// An unparsable trigger can never succeed; drop it with a reason
		// instead of burning retries.
		log.Printf("worker=%d dropping malformed message: %v", workerID, err)
		_ = msg.Ack()
		return
	}

	start := time.Now()
	out := run(ctx, req)

	switch out.Status {
	case relay.StatusFailed:
		attempts := msg.Attempts()
		log.Printf("worker=%d relay session=%s failed attempt=%d fragments=%d cost=%s err=%v",
			workerID, req.SessionID, attempts, out.Fragments, time.Since(start), out.Err)

		if attempts >= maxAttempts {
			// dead-letter for manual inspection
			_ = msg.Nack()
			return
		}
		if err := msg.Retry(ctx); err != nil {
			log.Printf("worker=%d retry publish failed session=%s err=%v", workerID, req.SessionID, err)
			_ = msg.Nack()
			return
		}
		_ = msg.Ack()

	default:
		// completed and sink_gone are both terminal successes for the queue
		log.Printf("worker=%d relay session=%s status=%s fragments=%d cost=%s",
			workerID, req.SessionID, out.Status, out.Fragments, time.Since(start))
		if err := msg.Ack(); err != nil {
			log.Printf("worker=%d ack failed session=%s err=%v", workerID, req.SessionID, err)
		}
	}
}

func runRelay(ctx context.Context, svc *stream.Service, relayer *relay.Relayer, sink relay.Sink, req rabbitmq.StreamRequest) relay.Outcome {
	if err := svc.BeginDelivery(ctx, &stream.Delivery{
		ID:        req.RequestID,
		SessionID: req.SessionID,
		Transport: "broadcast",
		Prompt:    req.Prompt,
	}); err != nil {
		log.Printf("record delivery failed session=%s err=%v", req.SessionID, err)
	}

	sess, err := svc.GetSession(ctx, req.SessionID)
	if err != nil {
		out := relay.Outcome{Status: relay.StatusFailed, Err: err}
		recordOutcome(svc, req.RequestID, out)
		return out
	}

	src, err := svc.SourceForSession(ctx, sess, req.Prompt, 0)
	if err != nil {
		out := relay.Outcome{Status: relay.StatusFailed, Err: err}
		recordOutcome(svc, req.RequestID, out)
		return out
	}

	out := relayer.Run(ctx, req.SessionID, src, sink)
	recordOutcome(svc, req.RequestID, out)
	return out
}

func recordOutcome(svc *stream.Service, requestID string, out relay.Outcome) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.RecordOutcome(rctx, requestID, out); err != nil {
		log.Printf("record outcome failed request=%s err=%v", requestID, err)
	}
}
