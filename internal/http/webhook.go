package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/fisirc/nur-worker/internal/github"
)

// GitHub caps webhook payloads at 25 MB.
const maxWebhookBody = 25 << 20

const (
	eventHeader    = "X-GitHub-Event"
	deliveryHeader = "X-GitHub-Delivery"
)

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.reject(w, http.StatusRequestEntityTooLarge, "payload too large", "too_large")
			return
		}
		r.reject(w, http.StatusBadRequest, "unable to read body", "bad_request")
		return
	}

	if err := github.VerifySignature(r.opts.WebhookSecret, body, req.Header.Get(github.SignatureHeader)); err != nil {
		r.logger.Warn("webhook signature rejected", "error", err, "remote", req.RemoteAddr)
		r.reject(w, http.StatusUnauthorized, "invalid signature", "unauthorized")
		return
	}

	switch req.Header.Get(eventHeader) {
	case "ping":
		r.metrics.recordWebhook("ping")
		r.writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "push":
	default:
		r.metrics.recordWebhook("ignored")
		r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	deliveryID := req.Header.Get(deliveryHeader)
	if deliveryID == "" {
		r.reject(w, http.StatusBadRequest, "missing delivery id", "bad_request")
		return
	}

	ev, err := github.ParsePushEvent(body)
	if err != nil {
		r.reject(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	if !ev.Buildable() {
		r.metrics.recordWebhook("ignored")
		r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "delivery_id": deliveryID})
		return
	}

	claimed, err := r.opts.Deliveries.Claim(req.Context(), deliveryID)
	if err != nil {
		r.logger.Warn("delivery dedupe unavailable", "delivery_id", deliveryID, "error", err)
	}
	if !claimed {
		r.metrics.recordWebhook("duplicate")
		r.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "delivery_id": deliveryID})
		return
	}

	if err := r.opts.Trigger.Enqueue(deliveryID, ev); err != nil {
		r.logger.Error("enqueue build failed", "delivery_id", deliveryID, "error", err)
		if err := r.opts.Deliveries.Release(context.WithoutCancel(req.Context()), deliveryID); err != nil {
			r.logger.Warn("release delivery failed", "delivery_id", deliveryID, "error", err)
		}
		r.reject(w, http.StatusServiceUnavailable, "worker unavailable", "unavailable")
		return
	}

	r.logger.Info("push accepted", "delivery_id", deliveryID, "repo", ev.Repository.FullName, "ref", ev.Ref, "commit", ev.After)
	r.metrics.recordWebhook("queued")
	r.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "delivery_id": deliveryID})
}

func (r *Router) reject(w http.ResponseWriter, status int, msg, outcome string) {
	r.metrics.recordWebhook(outcome)
	r.writeError(w, status, msg)
}
