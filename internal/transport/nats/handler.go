package nats

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hostpanel/internal/service"
)

const (
	SubjectAutoSuspend = "commands.auto-suspend"
	SubjectResync      = "commands.resync"
	queueGroup         = "panel_group"
)

type reply struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// Handler serves admin commands over NATS request/reply.
type Handler struct {
	svc  service.LifecycleService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LifecycleService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command subjects and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe(SubjectAutoSuspend, queueGroup, func(m *nats.Msg) {
		summary, err := h.svc.RunScan(ctx, service.SurfaceAdmin)
		if err != nil {
			log.Error().Err(err).Str("subject", m.Subject).Msg("nats: auto-suspend command failed")
			h.respond(m, reply{Error: "scan failed"})
			return
		}
		h.respond(m, reply{OK: true, Result: summary})
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe(SubjectResync, queueGroup, func(m *nats.Msg) {
		res, err := h.svc.Resync(ctx)
		if err != nil {
			log.Error().Err(err).Str("subject", m.Subject).Msg("nats: resync command failed")
			h.respond(m, reply{Error: "resync failed"})
			return
		}
		h.respond(m, reply{OK: true, Result: res})
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	log.Info().Msg("NATS command handler is running")

	<-ctx.Done()
	log.Info().Msg("NATS command handler shutting down, draining subscriptions")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

// respond is a no-op for fire-and-forget publishes.
func (h *Handler) respond(m *nats.Msg, r reply) {
	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Msg("nats: failed to encode reply")
		return
	}
	if err := m.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", m.Subject).Msg("nats: failed to send reply")
	}
}
