package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lanchego/internal/auth"
	"lanchego/internal/coordinator"
	"lanchego/internal/hub"
	"lanchego/internal/protocol"
)

const commandTimeout = 5 * time.Second

// OperationsSocket serves dashboards. Anyone may watch; sending commands
// needs an operator access token in the token query parameter.
func (h *Handler) OperationsSocket(c *gin.Context) {
	subject := ""
	if tok := auth.BearerToken(c); tok != "" {
		claims, err := auth.ParseAccess(tok, h.cfg.SigningKey, h.cfg.Issuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		subject = claims.Username
	}
	h.serve(c, hub.KindOperations, subject, h.onOperations)
}

// LoginSocket serves the login screen waiting for a biometric login. It is
// receive-only.
func (h *Handler) LoginSocket(c *gin.Context) {
	h.serve(c, hub.KindLogin, "", func(conn *hub.Conn, data []byte) {
		h.reject(conn, "inbound", "Canal somente de leitura", "")
	})
}

// AgentSocket serves the hardware agent link.
func (h *Handler) AgentSocket(c *gin.Context) {
	tok := auth.BearerToken(c)
	if tok == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(h.cfg.AgentToken)) != 1 {
		h.log.Warn().Str("client_ip", c.ClientIP()).Msg("agent connection refused")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
		return
	}
	h.serve(c, hub.KindAgent, "agent", h.onAgent)
}

func (h *Handler) serve(c *gin.Context, kind hub.Kind, subject string, onMessage hub.Handler) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("kind", string(kind)).Msg("websocket upgrade failed")
		return
	}
	conn := hub.NewConn(kind, subject, h.cfg.SendBuffer)
	h.hub.Serve(ws, conn, h.cfg.Socket, onMessage)
}

func (h *Handler) onAgent(conn *hub.Conn, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		h.rejectDecode(conn, err)
		return
	}
	if !protocol.FromAgent(m) {
		h.reject(conn, "direction", "Mensagem não permitida para o agente", "")
		return
	}
	h.metrics.HardwareMessage(string(m.Kind()))
	switch v := m.(type) {
	case protocol.ReaderStatus:
		h.hub.SetReaderStatus(v.Status)
	case protocol.Heartbeat:
		h.hub.Heartbeat()
	default:
		h.hub.Heartbeat()
		h.coord.HandleAgent(m)
	}
}

func (h *Handler) onOperations(conn *hub.Conn, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		h.rejectDecode(conn, err)
		return
	}
	if !protocol.FromClient(m) {
		h.reject(conn, "direction", "Mensagem não permitida", "")
		return
	}
	if conn.Subject == "" {
		h.reject(conn, "unauthenticated", "Autenticação necessária", protocol.ReasonUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	switch v := m.(type) {
	case protocol.HardwareCommand:
		err = h.command(ctx, v)
	case protocol.Cancel:
		err = h.coord.Cancel(ctx)
	}
	if err != nil {
		h.log.Info().Err(err).Str("conn_id", conn.ID).Str("type", string(m.Kind())).Msg("client command refused")
		h.reject(conn, "refused", commandText(err), coordinator.ReasonFor(err))
	}
}

func (h *Handler) command(ctx context.Context, cmd protocol.HardwareCommand) error {
	switch cmd.Command {
	case protocol.CommandEnroll:
		owner, err := ownerFields{StudentID: cmd.StudentID, OperatorID: cmd.OperatorID}.owner()
		if err != nil {
			return err
		}
		_, err = h.coord.StartEnroll(ctx, coordinator.EnrollRequest{Owner: owner, Slot: cmd.Slot})
		return err
	case protocol.CommandIdentify:
		_, err := h.coord.StartIdentify(ctx)
		return err
	}
	return errUnknownCommand
}

var errUnknownCommand = errors.New("unknown reader command")

// commandText renders a refused command for the operator screen. Slot limit
// and collision failures are already broadcast by the coordinator.
func commandText(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrSessionBusy):
		return "Leitor ocupado"
	case errors.Is(err, coordinator.ErrReaderOffline):
		return "Leitor desconectado"
	case errors.Is(err, coordinator.ErrInvalidSlot):
		return "Posição de digital inválida"
	case errors.Is(err, errUnknownCommand):
		return "Comando desconhecido"
	}
	if statusFor(err) != http.StatusInternalServerError {
		return err.Error()
	}
	return "Erro interno"
}

func (h *Handler) rejectDecode(conn *hub.Conn, err error) {
	reason := "malformed"
	msg := "Mensagem inválida"
	if errors.Is(err, protocol.ErrUnknownType) {
		reason = "unknown_type"
		msg = "Tipo de mensagem desconhecido"
	}
	h.log.Warn().Err(err).Str("conn_id", conn.ID).Str("kind", string(conn.Kind)).Msg("inbound message rejected")
	h.reject(conn, reason, msg, "")
}

func (h *Handler) reject(conn *hub.Conn, metric, message, reason string) {
	h.metrics.Rejected(metric)
	if err := h.hub.SendTo(conn, protocol.Error{Message: message, Reason: reason}); err != nil {
		h.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("error reply not delivered")
	}
}
