package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"seqvault/internal/broker"
)

// ErrorSink records a processing fault against a file row. The
// database gateway implements it.
type ErrorSink interface {
	SetError(ctx context.Context, fileID int64, hostname, errorType, msg string, fromUser bool) error
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	return h
}()

// Wrap turns a worker handler into one that never lets a fault cross
// the dispatch boundary unrecorded. Handler errors carrying a file id
// are written to the error log, with from_user set for submitter
// faults, and then returned so dispatch rejects the message. Warnings
// are logged and swallowed. Panics come back as plain errors.
func Wrap(sink ErrorSink, next broker.Handler) broker.Handler {
	return func(ctx context.Context, body []byte) (reply []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("handler panicked: %v\n%s", r, debug.Stack())
				reply, err = nil, fmt.Errorf("handler panicked: %v", r)
			}
		}()

		reply, err = next(ctx, body)
		if err == nil {
			return reply, nil
		}

		if IsWarning(err) {
			log.Warn(err)
			return nil, nil
		}

		fromUser := IsUserError(err)

		if fileID, ok := FileIDFrom(err); ok && sink != nil {
			if dbErr := sink.SetError(ctx, fileID, hostname, errorClass(err), err.Error(), fromUser); dbErr != nil {
				log.Errorf("failed to record error for file %d: %v", fileID, dbErr)
			}
		}

		log.WithField("from_user", fromUser).Errorf("task failed: %v", err)

		return nil, err
	}
}

// ErrorPublisher forwards unprocessable messages to the error queue
// for inspection. The broker session implements it.
type ErrorPublisher interface {
	SendToErrorQueue(corrID string, body []byte) error
}

// Validated checks each message against the named schema before it
// reaches next. A failing message is forwarded to the error queue and
// rejected, so a handler never sees a shape it does not understand.
// There is no file row yet at that point; nothing is written to the
// error log.
func Validated(schema string, errs ErrorPublisher, next broker.Handler) broker.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		if err := broker.ValidateJSON(schema, body); err != nil {
			log.Errorf("rejecting message: %v", err)
			if errs != nil {
				if sendErr := errs.SendToErrorQueue("", body); sendErr != nil {
					log.Errorf("failed to forward message to the error queue: %v", sendErr)
				}
			}

			return nil, err
		}

		return next(ctx, body)
	}
}

// Observer receives per message measurements. The metrics package
// implements it.
type Observer interface {
	MessageConsumed()
	MessageAcked()
	MessageRejected(fromUser bool)
	ObserveProcessing(d time.Duration)
}

// Instrument wraps next with consumption counters and a processing
// timer. A nil Observer returns next unchanged.
func Instrument(obs Observer, next broker.Handler) broker.Handler {
	if obs == nil {
		return next
	}

	return func(ctx context.Context, body []byte) ([]byte, error) {
		obs.MessageConsumed()
		start := time.Now()

		reply, err := next(ctx, body)

		obs.ObserveProcessing(time.Since(start))
		if err != nil {
			obs.MessageRejected(IsUserError(err))
		} else {
			obs.MessageAcked()
		}

		return reply, err
	}
}
