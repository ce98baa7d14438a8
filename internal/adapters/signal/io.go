package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump(ctx context.Context, conn *wsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-conn.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				conn.Close()
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *wsSignalConn) error {
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(data)
	}
}
