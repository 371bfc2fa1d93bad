package handler

import (
	"encoding/json"
	"log/slog"

	"chatsync/internal/hub"
	"chatsync/internal/model"
)

func encodeEvent(kind model.EventKind, payload any) ([]byte, error) {
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// publish sends one event to each listed user.
func publish(h *hub.Hub, log *slog.Logger, kind model.EventKind, payload any, userIDs ...string) {
	out, err := encodeEvent(kind, payload)
	if err != nil {
		log.Error("event encode failed", "kind", kind, "err", err)
		return
	}
	for _, id := range userIDs {
		h.Broadcast(id, out)
	}
}

// publishAll sends one event to everyone connected except the named user.
func publishAll(h *hub.Hub, log *slog.Logger, kind model.EventKind, payload any, except string) {
	out, err := encodeEvent(kind, payload)
	if err != nil {
		log.Error("event encode failed", "kind", kind, "err", err)
		return
	}
	h.BroadcastAll(out, except)
}
