package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
	"github.com/supportdesk/case-service/internal/events"
)

const heartbeatInterval = 15 * time.Second

// StreamCase GET /cases/:id/stream. Emits the current snapshot, then every
// newer one. A lagging client receives "resync" and the stream ends.
func (h *CasesHandler) StreamCase(c *fiber.Ctx) error {
	snap, sub, err := h.service.Subscribe(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	h.stream(c, sub, snap)
	return nil
}

// StreamAll GET /stream pushes snapshots of every case.
func (h *CasesHandler) StreamAll(c *fiber.Ctx) error {
	h.stream(c, h.service.SubscribeAll(), nil)
	return nil
}

func (h *CasesHandler) stream(c *fiber.Ctx, sub *events.Subscription, initial *domain.CaseSnapshot) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		if initial != nil {
			if err := writeSnapshotEvent(w, initial); err != nil {
				return
			}
		}
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case snap, ok := <-sub.C():
				if !ok {
					if sub.Overflowed() {
						_ = writeEvent(w, "resync", 0, []byte(`{}`))
					}
					return
				}
				if err := writeSnapshotEvent(w, snap); err != nil {
					logger.Debug("stream client gone", zap.Error(err))
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

func writeSnapshotEvent(w *bufio.Writer, snap *domain.CaseSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return writeEvent(w, "snapshot", snap.Revision(), payload)
}

func writeEvent(w *bufio.Writer, event string, id int64, payload []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
