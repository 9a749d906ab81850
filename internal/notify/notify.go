package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier delivers an offline message to whoever owns the topic. sessionID
// names the visitor who wrote it.
type Notifier interface {
	NotifyOffline(ctx context.Context, topicID, sessionID, text string) error
}

type NotifierFunc func(ctx context.Context, topicID, sessionID, text string) error

func (f NotifierFunc) NotifyOffline(ctx context.Context, topicID, sessionID, text string) error {
	return f(ctx, topicID, sessionID, text)
}

// Fallback runs a Notifier in the background. Failures and panics are logged
// and never reach the caller.
type Fallback struct {
	n       Notifier
	timeout time.Duration
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func NewFallback(n Notifier, timeout time.Duration) *Fallback {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fallback{
		n:       n,
		timeout: timeout,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

func (f *Fallback) NotifyOffline(ctx context.Context, topicID, sessionID, text string) {
	if f == nil || f.n == nil {
		return
	}
	// outlive the socket event that triggered us
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				f.log.Error().Str("topic_id", topicID).Str("panic", fmt.Sprint(rec)).Msg("offline notifier panicked")
			}
		}()

		start := time.Now()
		if err := f.n.NotifyOffline(ctx, topicID, sessionID, text); err != nil {
			f.log.Error().Err(err).Str("topic_id", topicID).Dur("cost", time.Since(start)).Msg("offline notification failed")
			return
		}
		f.log.Info().Str("topic_id", topicID).Dur("cost", time.Since(start)).Msg("offline notification sent")
	}()
}

// Wait blocks until every notification started so far has finished.
func (f *Fallback) Wait() {
	f.wg.Wait()
}
