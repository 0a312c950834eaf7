package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// WebsocketListener opens the events_listen push stream over a
// websocket. Each Listen call dials a fresh connection; reconnection
// policy belongs to the connection monitor, not here.
type WebsocketListener struct {
	baseURL    string
	org        string
	token      string
	httpClient *http.Client
}

func NewWebsocketListener(baseURL, org, token string, httpClient *http.Client) *WebsocketListener {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &WebsocketListener{
		baseURL:    baseURL,
		org:        strings.TrimSpace(org),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (l *WebsocketListener) Listen(ctx context.Context) (EventStream, error) {
	endpoint := fmt.Sprintf("%s/v1/org/%s/events", l.baseURL, url.PathEscape(l.org))
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: l.httpClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + l.token}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrOffline
	}
	// The monitor may stay idle between events for a long time; the
	// default read limit is fine but there must be no read deadline.
	conn.SetReadLimit(1 << 20)
	return &websocketStream{conn: conn}, nil
}

type websocketStream struct {
	conn *websocket.Conn
}

type eventEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *websocketStream) Next(ctx context.Context) (ServerEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrOffline
		}
		event, err := decodeServerEvent(data)
		if err != nil {
			return nil, err
		}
		if event == nil {
			// Unknown event kinds are skipped for forward
			// compatibility.
			continue
		}
		return event, nil
	}
}

func (s *websocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func decodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed server event: %w", err)
	}
	switch envelope.Event {
	case "certificates_updated":
		var event ServerEventCertificatesUpdated
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		return event, nil
	case "realm_vlobs_updated":
		var event ServerEventRealmVlobsUpdated
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		return event, nil
	case "message_received":
		var event ServerEventMessageReceived
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		return event, nil
	case "invite_status_changed":
		var event ServerEventInviteStatusChanged
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		return event, nil
	case "realm_maintenance_started":
		var event ServerEventRealmMaintenance
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		event.Finished = false
		return event, nil
	case "realm_maintenance_finished":
		var event ServerEventRealmMaintenance
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			return nil, err
		}
		event.Finished = true
		return event, nil
	default:
		return nil, nil
	}
}
