package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// pingLoop keeps intermediaries from dropping an idle connection.
func (c *Client) pingLoop(ctx context.Context, conn *wsSignalConn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("ping failed")
				conn.Close()
				return
			}
		}
	}
}
