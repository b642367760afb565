package frontend

import (
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"go.uber.org/zap"
)

// connReplier encodes a handler result under the command id it answers and sends it on the
// originating connection. A nil result is sent as JSON null.
type connReplier struct {
	conn      handlers.ClientConnection
	commandId uint16
	codec     client.Codec
	log       *zap.Logger
}

func (r *connReplier) Reply(msg any) {
	data, err := r.codec.EncodeFrame(r.commandId, msg)
	if err != nil {
		r.log.Warn("Failed to encode reply",
			zap.Uint16("commandId", r.commandId),
			zap.String("remoteAddr", r.conn.RemoteAddress()),
			zap.Error(err))
		return
	}
	r.conn.Send(data)
}
