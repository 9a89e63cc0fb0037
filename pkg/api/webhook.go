package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gitguard-io/gitguard/pkg/dedup"
	"github.com/gitguard-io/gitguard/pkg/event"
	"github.com/gitguard-io/gitguard/pkg/observability"
	"github.com/gitguard-io/gitguard/pkg/stream"
)

// Ingress request headers.
const (
	HeaderSignature = "X-Signature-256"
	HeaderEventKind = "X-Event-Kind"
	HeaderDelivery  = "X-Delivery-ID"
)

// Ingress defaults.
const (
	DefaultBodyMaxBytes        = 1 << 20
	DefaultBackpressureLatency = 250 * time.Millisecond
	DefaultMaxPending          = 10_000
)

// WebhookConfig tunes the ingress gateway.
type WebhookConfig struct {
	// Secret is the shared HMAC-SHA256 signing secret. Required.
	Secret []byte
	// BodyMaxBytes caps the request body; larger bodies get 413.
	BodyMaxBytes int64
	// BackpressureLatency bounds the stream publish; slower publishes
	// return 503 so the host retries later.
	BackpressureLatency time.Duration
	// MaxPending is the consumer backlog above which ingress sheds load.
	MaxPending int64
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.BodyMaxBytes <= 0 {
		c.BodyMaxBytes = DefaultBodyMaxBytes
	}
	if c.BackpressureLatency <= 0 {
		c.BackpressureLatency = DefaultBackpressureLatency
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	return c
}

// WebhookHandler admits host webhook deliveries: it verifies the signature,
// reserves the delivery id in the dedup ledger, and enqueues the raw payload
// on the event stream. It owns the raw request until the signature verifies.
type WebhookHandler struct {
	cfg    WebhookConfig
	ledger dedup.Ledger
	bus    stream.Stream
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time
}

// NewWebhookHandler wires the ingress gateway. obs may be nil in tests.
func NewWebhookHandler(cfg WebhookConfig, ledger dedup.Ledger, bus stream.Stream, obs *observability.Provider, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		cfg:    cfg.withDefaults(),
		ledger: ledger,
		bus:    bus,
		obs:    obs,
		logger: logger.With("component", "ingress"),
		clock:  time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (h *WebhookHandler) WithClock(clock func() time.Time) *WebhookHandler {
	h.clock = clock
	return h
}

// ServeHTTP handles POST /webhooks/{host}.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.BodyMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, http.StatusRequestEntityTooLarge, CodeTooLarge, "request body exceeds limit")
			return
		}
		h.reject(w, r, http.StatusBadRequest, CodeMalformed, "unreadable request body")
		return
	}

	if !h.verifySignature(r.Header.Get(HeaderSignature), body) {
		h.reject(w, r, http.StatusUnauthorized, CodeUnauthorized, "signature mismatch")
		return
	}

	kind := event.Kind(r.Header.Get(HeaderEventKind))
	deliveryID := r.Header.Get(HeaderDelivery)
	switch {
	case deliveryID == "":
		h.reject(w, r, http.StatusBadRequest, CodeMalformed, "missing "+HeaderDelivery)
		return
	case kind == "":
		h.reject(w, r, http.StatusBadRequest, CodeMalformed, "missing "+HeaderEventKind)
		return
	case !kind.IsKnown():
		h.reject(w, r, http.StatusBadRequest, CodeMalformed, "unsupported event kind "+string(kind))
		return
	}

	receivedAt := h.clock().UTC()
	fresh, err := h.ledger.Reserve(ctx, deliveryID, receivedAt)
	if err != nil {
		h.logger.Error("dedup reserve failed", "delivery", deliveryID, "error", err)
		h.reject(w, r, http.StatusServiceUnavailable, CodeUnavailable, "delivery ledger unavailable")
		return
	}
	if !fresh {
		if h.obs != nil {
			h.obs.RecordEvent(ctx, observability.ResultDuplicate)
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "delivery": deliveryID})
		return
	}

	subject := event.SubjectFor(kind, peekAction(body))
	if pending, err := h.bus.Pending(ctx, subject); err == nil && pending > h.cfg.MaxPending {
		h.releaseReservation(ctx, deliveryID)
		h.reject(w, r, http.StatusServiceUnavailable, CodeBackpressure, "consumer backlog too deep")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, h.cfg.BackpressureLatency)
	defer cancel()
	_, err = h.bus.Publish(pubCtx, subject, body, map[string]string{
		"kind":        string(kind),
		"delivery":    deliveryID,
		"received_at": receivedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Warn("stream publish failed", "subject", subject, "delivery", deliveryID, "error", err)
		h.releaseReservation(ctx, deliveryID)
		h.reject(w, r, http.StatusServiceUnavailable, CodeBackpressure, "stream publish timed out")
		return
	}

	h.logger.Info("delivery admitted", "subject", subject, "delivery", deliveryID, "bytes", len(body))
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "subject": subject, "delivery": deliveryID})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if h.obs != nil {
		h.obs.RecordEvent(r.Context(), observability.ResultError)
	}
	WriteError(w, r, status, code, msg)
}

// releaseReservation reopens a delivery ID after admission failed past
// the reserve. Without it a 503'd delivery would be treated as a
// duplicate on the host's retry and lost for good.
func (h *WebhookHandler) releaseReservation(ctx context.Context, deliveryID string) {
	if err := h.ledger.Release(ctx, deliveryID); err != nil {
		h.logger.Error("dedup release failed", "delivery", deliveryID, "error", err)
	}
}

// verifySignature checks the hex HMAC-SHA256 of the raw body against the
// signature header ("sha256=<hex>"). Constant-time compare.
func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sent, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.cfg.Secret)
	mac.Write(body)
	return hmac.Equal(sent, mac.Sum(nil))
}

// SignBody computes the signature header value for a payload. Exported for
// clients and tests.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// peekAction pulls just the action field out of a host payload for subject
// routing. Kinds without an action (push, ping) fall through to "".
func peekAction(body []byte) string {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	return head.Action
}
