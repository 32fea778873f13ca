package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/core/domain"
)

var log = logrus.WithField("component", "http")

// Event is one frame on the websocket stream: a log line or a status change.
type Event struct {
	Type   string           `json:"type"` // "log" or "status"
	Line   string           `json:"line,omitempty"`
	Status domain.BotStatus `json:"status,omitempty"`
}

// streamClient adapts one websocket connection to the log and status
// observer interfaces. Events for other bots are filtered out; a slow
// consumer loses events rather than blocking the supervisor.
type streamClient struct {
	botID string
	send  chan Event
}

func (sc *streamClient) LogLine(botID, line string) {
	if botID != sc.botID {
		return
	}
	sc.offer(Event{Type: "log", Line: line})
}

func (sc *streamClient) StatusChanged(botID string, status domain.BotStatus) {
	if botID != sc.botID {
		return
	}
	sc.offer(Event{Type: "status", Status: status})
}

func (sc *streamClient) offer(ev Event) {
	select {
	case sc.send <- ev:
	default:
	}
}

// StreamEvents replays the buffered log history, then pushes live log lines
// and status changes until the client goes away.
func (h *BotHandler) StreamEvents(conn *websocket.Conn) {
	botID := conn.Params("id")
	defer conn.Close()

	for _, line := range h.service.Logs(botID) {
		if err := conn.WriteJSON(Event{Type: "log", Line: line}); err != nil {
			return
		}
	}

	client := &streamClient{botID: botID, send: make(chan Event, 256)}
	h.service.SubscribeLogs(botID, client)
	h.service.Subscribe(client)
	defer func() {
		h.service.UnsubscribeLogs(botID, client)
		h.service.Unsubscribe(client)
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-client.send:
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugf("websocket write for bot %s: %v", botID, err)
				return
			}
		case <-closed:
			return
		}
	}
}
