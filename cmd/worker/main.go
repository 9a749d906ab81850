package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/logging"
	"github.com/suPer8Hu/chat-relay/internal/notify"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
)

const maxAttempts = 5

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// retryDelay backs off 2s, 4s, 8s ... capped at one minute.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	gdb := db.Connect(cfg.DBDSN)
	mailer := notify.NewEmailNotifier(chat.NewRepo(gdb), cfg.SMTP(), nil)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				notice, err := rabbitmq.DecodeNotice(d.Body)
				if err != nil {
					wlog.Warn().Err(err).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				err = mailer.NotifyOffline(ctx, notice.TopicID, notice.SessionID, notice.Text)
				if err == nil {
					if err := d.Ack(false); err != nil {
						wlog.Error().Err(err).Str("topic_id", notice.TopicID).Msg("ack failed")
					}
					continue
				}

				if ctx.Err() != nil {
					// shutting down: hand it back untouched
					_ = d.Nack(false, true)
					continue
				}

				attempt := rabbitmq.Attempt(d) + 1
				ev := wlog.Warn().Err(err).Str("topic_id", notice.TopicID).Int("attempt", attempt).Dur("cost", time.Since(start))
				if attempt >= maxAttempts {
					ev.Msg("offline notice dead-lettered")
					_ = d.Nack(false, false)
					continue
				}

				rerr := rabbitmq.Retry(ctx, ch, cfg.RabbitQueue, d.Body, attempt, retryDelay(attempt))
				if rerr != nil {
					ev.AnErr("retry_err", rerr).Msg("offline notice retry failed, dead-lettered")
					_ = d.Nack(false, false)
					continue
				}
				ev.Msg("offline notice scheduled for retry")
				_ = d.Ack(false)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}
