/**
 * @description
 * Signal API Handlers.
 * Serves the active published signal set, its playbook, and a live SSE stream of
 * publish events.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2
 * - backend/internal/services
 */

package handlers

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kalbot-project/backend/internal/logger"
	"github.com/kalbot-project/backend/internal/services"
)

// streamKeepAlive is how often an idle stream sends a comment line
const streamKeepAlive = 15 * time.Second

type SignalHandler struct {
	Service *services.SignalService
	Hub     *services.SignalStreamHub
}

func NewSignalHandler(service *services.SignalService, hub *services.SignalStreamHub) *SignalHandler {
	return &SignalHandler{Service: service, Hub: hub}
}

// GetCurrentSignals returns the active published signals in rank order
// GET /api/v1/signals/current
func (h *SignalHandler) GetCurrentSignals(c *fiber.Ctx) error {
	sigs, err := h.Service.CurrentSignals(c.Context())
	if err != nil {
		logger.Error("GetCurrentSignals: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch current signals",
		})
	}
	return c.JSON(fiber.Map{"signals": sigs, "count": len(sigs)})
}

// GetPlaybook returns a sized play for every active signal
// GET /api/v1/playbook
func (h *SignalHandler) GetPlaybook(c *fiber.Ctx) error {
	plays, err := h.Service.Playbook(c.Context())
	if err != nil {
		logger.Error("GetPlaybook: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build playbook",
		})
	}
	return c.JSON(fiber.Map{"plays": plays, "count": len(plays)})
}

// StreamSignals streams publish events over SSE
// GET /api/v1/signals/stream
func (h *SignalHandler) StreamSignals(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events, unsubscribe := h.Hub.Subscribe()
	requestDone := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()

		fmt.Fprint(w, ": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-requestDone:
				return
			case payload, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: signals\ndata: %s\n\n", payload)
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
			}
			// a failed flush means the client went away
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}
