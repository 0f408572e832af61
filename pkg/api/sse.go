package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/auth"
	"github.com/aegnix/abi/pkg/bus"
	"github.com/aegnix/abi/pkg/policy"
)

// ssePingInterval keeps idle streams alive through proxies.
const ssePingInterval = 15 * time.Second

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	topic := r.PathValue("topic")
	if topic == "" {
		WriteBadRequest(w, r, "topic is required")
		return
	}

	if d := s.pipeline.Authorize(r.Context(), p, policy.ActionSubscribe, topic); d != nil {
		_ = s.audit.Append(r.Context(), audit.Record{
			Actor:    p.AEID,
			Action:   audit.ActionSubscribeDenied,
			Subject:  topic,
			Decision: audit.DecisionDenied,
			Reason:   fmt.Sprintf("%s: %s", d.Code, d.Reason),
		})
		s.obs.RecordDenial(r.Context(), d.Code)
		WriteProblem(w, r, d.Status, d.Code, d.Reason)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal", "streaming unsupported by this connection")
		return
	}

	if err := s.audit.Append(r.Context(), audit.Record{
		Actor:    p.AEID,
		Action:   audit.ActionSubscribeOpened,
		Subject:  topic,
		Decision: audit.DecisionAccepted,
	}); err != nil {
		WriteInternal(w, r, s.log, err)
		return
	}

	sub := s.bus.Subscribe(p.AEID, topic)
	defer sub.Close()
	s.obs.SubscriberDelta(r.Context(), 1)
	defer s.obs.SubscriberDelta(r.Context(), -1)
	s.registry.Touch(p.AEID, p.Profile)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Pump the subscription into a channel so the write loop can also
	// service ping ticks and the client disconnect.
	events := make(chan bus.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, err := sub.Next(r.Context())
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-r.Context().Done():
				return
			}
		}
	}()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			// Subscription closed, eviction included.
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev.Envelope)
			if err != nil {
				s.log.Error("encode event", "subject", ev.Subject, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Subject, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
