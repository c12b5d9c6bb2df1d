package api

import (
	"fmt"
	"net/http"

	"github.com/RocketWill/ByteWhisperer/images"
	"github.com/RocketWill/ByteWhisperer/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsReply carries either a result or an error, never both.
type wsReply struct {
	Seq   int             `json:"seq"`
	Data  *service.Result `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// detectStream answers every frame with one wsReply. Text frames carry base64
// images, binary frames carry the encoded bytes.
func (h *handler) detectStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxImageBytes)

	ctx := c.Request.Context()
	for seq := 1; ; seq++ {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		h.Monitor.Request("ws", "detect")

		reply := wsReply{Seq: seq}
		var data []byte
		switch mt {
		case websocket.TextMessage:
			data, err = images.FromBase64(string(msg))
		case websocket.BinaryMessage:
			data = msg
		default:
			err = fmt.Errorf("unsupported message type %d", mt)
		}
		if err == nil {
			reply.Data, err = h.Detector.Detect(ctx, fmt.Sprintf("ws-%d", seq), data)
		}
		if err != nil {
			reply.Error = err.Error()
		}
		if err := conn.WriteJSON(reply); err != nil {
			h.Log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
