package waldur

import (
	"context"
	"strings"

	"nhooyr.io/websocket"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
)

type ackFrame struct {
	Ack uint64 `json:"ack"`
}

// stream is one live websocket subscription to the membership event
// channel. A read failure invalidates the whole stream; the ingestor
// re-subscribes with backoff.
type stream struct {
	conn   *websocket.Conn
	client *Client
}

// Subscribe opens the notification channel. The events endpoint defaults to
// the API host with a ws scheme when not configured explicitly.
func (c *Client) Subscribe(ctx context.Context) (ports.EventStream, error) {
	u := c.cfg.EventsURL
	if u == "" {
		u = strings.Replace(c.cfg.APIURL, "http", "ws", 1) + "/api/events/"
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + c.cfg.Token}},
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceStreamError, "failed to open event stream")
	}
	c.logger.Infof(ctx, "subscribed to membership events at %s", u)

	return &stream{conn: conn, client: c}, nil
}

func (s *stream) Next(ctx context.Context) (domain.RawEvent, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.RawEvent{}, ctx.Err()
		}
		return domain.RawEvent{}, errors.Wrap(err, errors.CodeSourceStreamError, "event stream read failed")
	}

	var ev domain.RawEvent
	if err := s.client.json.Unmarshal(data, &ev); err != nil {
		return domain.RawEvent{}, errors.Wrap(err, errors.CodeSourceStreamError, "malformed event payload")
	}
	return ev, nil
}

func (s *stream) Ack(ctx context.Context, ev domain.RawEvent) error {
	payload, err := s.client.json.Marshal(ackFrame{Ack: ev.Seq})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode ack")
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return errors.Wrap(err, errors.CodeSourceStreamError, "failed to ack event")
	}
	return nil
}

func (s *stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "shutting down")
}
