package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
)

// JobKindEvent is the queue job kind carrying a webhook envelope.
const JobKindEvent = "webhook_event"

const maxPayloadBytes = 5 << 20

// Delivery outcome labels recorded per request.
const (
	ResultAccepted     = "accepted"
	ResultDeduplicated = "deduplicated"
	ResultMalformed    = "malformed"
	ResultUnauthorized = "unauthorized"
	ResultUnknownRepo  = "unknown_repository"
	ResultUnsupported  = "unsupported_event"
	ResultError        = "error"
)

type repositoryFinder interface {
	FindRepositoryByExternalID(ctx context.Context, externalID string) (store.Repository, bool, error)
}

type publisher interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Recorder counts delivery outcomes for the operational metrics endpoint.
type Recorder interface {
	WebhookEvent(result string)
}

type nopRecorder struct{}

func (nopRecorder) WebhookEvent(string) {}

// Receiver validates inbound deliveries and enqueues verified envelopes. The
// request path is synchronous validation only; all record writing happens on
// the queue consumer side.
type Receiver struct {
	store        repositoryFinder
	publisher    publisher
	globalSecret string
	recorder     Recorder
	logger       *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewReceiver creates a delivery receiver.
func NewReceiver(repos repositoryFinder, pub publisher, globalSecret string, recorder Recorder, logger ...*zap.Logger) *Receiver {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Receiver{
		store:        repos,
		publisher:    pub,
		globalSecret: globalSecret,
		recorder:     recorder,
		logger:       log,
		Now:          time.Now,
	}
}

// Handle is the HTTP handler for POST /webhooks/{provider}.
func (r *Receiver) Handle(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadBytes))
	if err != nil {
		r.reject(w, http.StatusBadRequest, ResultMalformed, "read payload", err)
		return
	}

	headers, err := ExtractHeaders(req.Header)
	if err != nil {
		r.reject(w, http.StatusBadRequest, ResultMalformed, "extract headers", err)
		return
	}

	log := r.logger.With(
		zap.String("delivery_id", headers.DeliveryID),
		zap.String("event_type", headers.EventType),
	)

	// The payload peek only steers secret selection here. Authenticity is
	// decided over the raw bytes first, so a tampered body that no longer
	// parses is still rejected as unauthorized rather than malformed.
	repoRef, peekErr := peekRepository(body)

	var repo store.Repository
	var registered bool
	secret := r.globalSecret
	if peekErr == nil {
		repo, registered, err = r.store.FindRepositoryByExternalID(ctx, repoRef.ExternalID)
		if err != nil {
			r.reject(w, http.StatusInternalServerError, ResultError, "resolve repository", err)
			return
		}
		if registered && repo.WebhookSecret != "" {
			secret = repo.WebhookSecret
		}
	}

	if err := VerifySignature(secret, body, headers.Signature); err != nil {
		if errors.Is(err, ErrSignatureFormat) {
			r.reject(w, http.StatusBadRequest, ResultMalformed, "verify signature", err)
			return
		}
		r.recorder.WebhookEvent(ResultUnauthorized)
		log.Warn("delivery rejected", zap.Error(err))
		writeStatus(w, http.StatusUnauthorized, ResultUnauthorized)
		return
	}

	if peekErr != nil {
		r.reject(w, http.StatusBadRequest, ResultMalformed, "decode payload", peekErr)
		return
	}

	if !registered {
		r.recorder.WebhookEvent(ResultUnknownRepo)
		log.Info("delivery acknowledged without processing",
			zap.String("reason", ResultUnknownRepo),
			zap.String("repo_external_id", repoRef.ExternalID))
		writeStatus(w, http.StatusOK, ResultUnknownRepo)
		return
	}

	if !Supported(headers.EventType) {
		r.recorder.WebhookEvent(ResultUnsupported)
		log.Info("delivery acknowledged without processing", zap.String("reason", ResultUnsupported))
		writeStatus(w, http.StatusOK, ResultUnsupported)
		return
	}

	envelope := Envelope{
		DeliveryID:     headers.DeliveryID,
		EventType:      headers.EventType,
		RepoExternalID: repoRef.ExternalID,
		RawPayload:     body,
		ReceivedAt:     r.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		r.reject(w, http.StatusInternalServerError, ResultError, "marshal envelope", err)
		return
	}

	accepted, err := r.publisher.Enqueue(ctx, queue.Job{
		ID:      headers.DeliveryID,
		Kind:    JobKindEvent,
		Payload: payload,
	})
	if err != nil {
		r.reject(w, http.StatusInternalServerError, ResultError, "enqueue delivery", err)
		return
	}
	if !accepted {
		r.recorder.WebhookEvent(ResultDeduplicated)
		log.Debug("delivery already enqueued")
		writeStatus(w, http.StatusOK, ResultDeduplicated)
		return
	}

	r.recorder.WebhookEvent(ResultAccepted)
	log.Debug("delivery enqueued", zap.String("repo", repo.ID))
	writeStatus(w, http.StatusOK, ResultAccepted)
}

func (r *Receiver) reject(w http.ResponseWriter, code int, result, action string, err error) {
	r.recorder.WebhookEvent(result)
	r.logger.Warn("delivery rejected", zap.String("action", action), zap.Error(err))
	writeStatus(w, code, result)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}
