package grpccomm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service/noop"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGRPCCommunicator_SendReceive(t *testing.T) {
	ls := noop.NewNoopLogService()
	server := NewGRPCCommunicator("127.0.0.1:0", ls, WithServerMetrics(grpcprometheus.NewServerMetrics()))
	require.NoError(t, server.Start(func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
		switch msg.Type {
		case "echo":
			return &communication.Response{Code: communication.CodeOK, Body: msg.Payload}, nil
		default:
			return nil, errors.New("unsupported")
		}
	}))
	defer server.Stop()

	client := NewGRPCCommunicator("127.0.0.1:0", ls, WithClientMetrics(grpcprometheus.NewClientMetrics()))
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, server.Address(), communication.Message{From: "client", Type: "echo", Payload: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, communication.CodeOK, resp.Code)
	assert.Equal(t, []byte("ping"), resp.Body)

	resp, err = client.Send(ctx, server.Address(), communication.Message{From: "client", Type: "other"})
	require.NoError(t, err)
	assert.Equal(t, communication.CodeInternal, resp.Code)
	assert.Equal(t, "unsupported", string(resp.Body))
}

func TestGRPCCommunicator_UnreachablePeer(t *testing.T) {
	client := NewGRPCCommunicator("127.0.0.1:0", noop.NewNoopLogService())
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, "127.0.0.1:1", communication.Message{Type: "echo"})
	assert.ErrorIs(t, err, communication.ErrMessageSendFailed)
}

func TestGRPCCommunicator_SendAfterStop(t *testing.T) {
	client := NewGRPCCommunicator("127.0.0.1:0", noop.NewNoopLogService())
	require.NoError(t, client.Stop())

	_, err := client.Send(context.Background(), "127.0.0.1:1", communication.Message{Type: "echo"})
	assert.ErrorIs(t, err, communication.ErrStopped)
}
