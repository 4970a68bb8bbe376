package texlink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/config"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/session"
)

func simulationConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Simulation = true
	cfg.Token = "token-abc"
	cfg.OutboxPath = filepath.Join(t.TempDir(), "outbox.db")
	return cfg
}

// scriptServer answers authentication, joins and sends on a simulation
// channel.
func scriptServer(t *testing.T, mem *channel.Memory) {
	t.Helper()
	mem.Handle(channel.EventAuthenticate, func(payload json.RawMessage) (any, error) {
		var req channel.AuthenticateRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		if req.Token != "token-abc" {
			return nil, &channel.RemoteError{Code: "UNAUTHENTICATED", Message: "bad token"}
		}
		return channel.AuthenticatedEvent{UserID: "supplier-1", UserName: "Confecções Silva", Role: messaging.RoleSupplier}, nil
	})
	mem.Handle(channel.EventJoinRoom, func(json.RawMessage) (any, error) {
		return channel.JoinAck{RoomID: "order-42", UnreadCount: 0}, nil
	})
	mem.Handle(channel.EventGetMessages, func(json.RawMessage) (any, error) {
		return channel.HistoryAck{}, nil
	})
	mem.Handle(channel.EventSendMessage, func(payload json.RawMessage) (any, error) {
		var req channel.SendRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		return channel.SendAck{Message: &messaging.Message{
			ID:           "srv-1",
			RoomID:       req.RoomID,
			SenderID:     "supplier-1",
			SenderRole:   messaging.RoleSupplier,
			Kind:         req.Kind,
			Content:      req.Content,
			CreatedAt:    time.Now().UTC(),
			ClientTempID: req.ClientTempID,
		}}, nil
	})
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.Token = ""
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestNewRejectsUnusableStore(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.OutboxPath = filepath.Join(t.TempDir(), "missing", "outbox.db")
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestClientSimulationRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, err := New(simulationConfig(t), nil)
	require.NoError(t, err)
	defer client.Close()

	mem, ok := client.Channel().(*channel.Memory)
	require.True(t, ok)
	scriptServer(t, mem)

	res, err := client.Open(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, "order-42", res.RoomID)
	assert.Equal(t, session.StateAuthenticated, client.State())
	assert.Equal(t, messaging.RoleSupplier, client.Identity().Role)

	tempID, err := client.SendText(ctx, "We can ship 600 pieces by the 20th.")
	require.NoError(t, err)
	assert.True(t, outbox.IsTempID(tempID))

	assert.Eventually(t, func() bool {
		return len(client.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, tempID, client.Messages()[0].ClientTempID)
}

func TestClientExplicitCredentials(t *testing.T) {
	cfg := simulationConfig(t)
	cfg.Token = ""
	creds := session.CredentialFunc(func(context.Context) (string, error) { return "wrong", nil })
	client, err := New(cfg, creds)
	require.NoError(t, err)
	defer client.Close()
	scriptServer(t, client.Channel().(*channel.Memory))

	_, err = client.Open(context.Background(), "order-42")
	assert.ErrorIs(t, err, session.ErrAuthentication)
}

func TestClientCloseReleasesStore(t *testing.T) {
	client, err := New(simulationConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	assert.False(t, client.Channel().Connected())

	_, err = client.Open(context.Background(), "order-42")
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestNewDefaultsToSimulation(t *testing.T) {
	client, err := New(nil, session.CredentialFunc(func(context.Context) (string, error) { return "t", nil }))
	require.NoError(t, err)
	defer client.Close()
	assert.True(t, client.Config().Simulation)
	assert.IsType(t, &channel.Memory{}, client.Channel())
}
