package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/omochice/donut-chat/internal/transport/ws"
	"github.com/omochice/donut-chat/pkg/protocol"
)

// SendAction is the channel action that posts a message.
const SendAction = "send_message"

var upgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.Subprotocol},
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

func (s *Server) handleCable(c *gin.Context) {
	select {
	case <-s.quit:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server stopping"})
		return
	default:
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("Failed to upgrade cable connection")
		return
	}
	conn := ws.NewConnWithAddr(wsConn, c.Request.RemoteAddr)

	userID, ok := s.opts.Tokens[c.GetHeader("token")]
	if !ok {
		s.log.WithField("remote_addr", conn.RemoteAddr()).Info("Rejecting unauthorized cable connection")
		f := protocol.Frame{Type: protocol.FrameDisconnect, Reason: "unauthorized", Reconnect: false}
		if data, err := f.Encode(); err == nil {
			_ = conn.Write(context.Background(), data)
		}
		_ = conn.Close()
		return
	}

	client := newClient(conn, userID)
	s.hub.Register(client)
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "remote_addr": conn.RemoteAddr()})
	log.Info("Cable client connected")

	s.wg.Add(3)
	go s.writeLoop(client, log)
	go s.pingLoop(client)
	defer s.wg.Done()
	defer func() {
		s.hub.Unregister(client)
		client.close()
		log.Info("Cable client disconnected")
	}()

	welcome := protocol.Frame{Type: protocol.FrameWelcome}
	if data, err := welcome.Encode(); err == nil {
		client.send(data)
	}

	for {
		data, err := client.Conn.Read(context.Background())
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("Cable read failed")
			}
			return
		}

		var cmd protocol.Command
		if err := cmd.Decode(data); err != nil {
			log.WithError(err).Warn("Failed to decode command")
			continue
		}

		switch cmd.Type {
		case protocol.CommandSubscribe:
			s.subscribe(client, cmd.Identifier, log)
		case protocol.CommandUnsubscribe:
			s.hub.Unsubscribe(client, cmd.Identifier)
			log.WithField("identifier", cmd.Identifier).Debug("Unsubscribed")
		case protocol.CommandMessage:
			s.perform(client, cmd, log)
		}
	}
}

func (s *Server) subscribe(client *Client, identifier string, log logrus.FieldLogger) {
	log = log.WithField("identifier", identifier)

	reply := protocol.Frame{Type: protocol.FrameReject, Identifier: identifier}
	if roomID, ok := s.roomOf(identifier); ok {
		s.hub.Subscribe(client, roomID, identifier)
		reply.Type = protocol.FrameConfirm
		log.WithField("room_id", roomID).Debug("Subscribed")
	} else {
		log.Info("Rejecting subscription")
	}

	if data, err := reply.Encode(); err == nil {
		client.send(data)
	}
}

// roomOf returns the existing room a chat room channel identifier names.
func (s *Server) roomOf(identifier string) (int64, bool) {
	class, params, err := protocol.ParseIdentifier(identifier)
	if err != nil || class != ChannelClass {
		return 0, false
	}
	roomID, ok := parseID(params["room_id"])
	if !ok {
		return 0, false
	}
	if _, err := s.opts.Store.Room(context.Background(), roomID); err != nil {
		return 0, false
	}
	return roomID, true
}

func (s *Server) perform(client *Client, cmd protocol.Command, log logrus.FieldLogger) {
	log = log.WithField("identifier", cmd.Identifier)

	roomID, ok := s.hub.Subscription(client, cmd.Identifier)
	if !ok {
		log.Warn("Action on a channel without subscription")
		return
	}
	action, fields, err := protocol.ParseActionData(cmd.Data)
	if err != nil {
		log.WithError(err).Warn("Failed to decode action")
		return
	}
	if action != SendAction {
		log.WithField("action", action).Warn("Unknown action")
		return
	}

	var content string
	if raw, ok := fields["content"]; ok {
		if err := json.Unmarshal(raw, &content); err != nil {
			log.WithError(err).Warn("Failed to decode message content")
			return
		}
	}
	if strings.TrimSpace(content) == "" {
		log.Warn("Ignoring empty message")
		return
	}

	msg, err := s.CreateMessage(context.Background(), roomID, client.UserID, content)
	if err != nil {
		log.WithError(err).Error("Failed to create message")
		return
	}
	log.WithFields(logrus.Fields{"room_id": roomID, "message_id": msg.ID}).Debug("Message created")
}

func (s *Server) writeLoop(client *Client, log logrus.FieldLogger) {
	defer s.wg.Done()
	for {
		select {
		case data := <-client.Outgoing:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := client.Conn.Write(ctx, data)
			cancel()
			if err != nil {
				log.WithError(err).Warn("Failed to write to cable client")
				client.close()
				return
			}
		case <-client.done:
			return
		}
	}
}

func (s *Server) pingLoop(client *Client) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			f := protocol.Frame{Type: protocol.FramePing, Ping: now.Unix()}
			data, err := f.Encode()
			if err != nil {
				continue
			}
			select {
			case client.Outgoing <- data:
			default:
			}
		case <-client.done:
			return
		}
	}
}

// parseID accepts a JSON number or a numeric string.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	return n, err == nil
}
