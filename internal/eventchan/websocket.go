package eventchan

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"
)

// WSSource reads frames from the web client's websocket.
type WSSource struct {
	conn *websocket.Conn
}

// DialWS connects to url, presenting origin as the Origin header.
func DialWS(ctx context.Context, url, origin string) (*WSSource, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &WSSource{conn: conn}, nil
}

func (s *WSSource) Receive(_ context.Context) ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(s.conn, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *WSSource) Close() error {
	return s.conn.Close()
}
