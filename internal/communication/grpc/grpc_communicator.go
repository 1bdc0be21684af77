package grpccomm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Option func(*GRPCCommunicator)

func WithServerMetrics(m *grpcprometheus.ServerMetrics) Option {
	return func(c *GRPCCommunicator) {
		c.serverMetrics = m
	}
}

func WithClientMetrics(m *grpcprometheus.ClientMetrics) Option {
	return func(c *GRPCCommunicator) {
		c.clientMetrics = m
	}
}

type GRPCCommunicator struct {
	listenAddress string
	handler       communication.MessageHandler
	grpcServer    *grpc.Server
	ls            log_service.LogService

	serverMetrics *grpcprometheus.ServerMetrics
	clientMetrics *grpcprometheus.ClientMetrics

	clientLock sync.RWMutex
	clients    map[string]*grpc.ClientConn
	stopped    bool
	stopMutex  sync.RWMutex
}

func NewGRPCCommunicator(addr string, ls log_service.LogService, opts ...Option) *GRPCCommunicator {
	c := &GRPCCommunicator{
		listenAddress: addr,
		ls:            ls,
		clients:       make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GRPCCommunicator) Address() string {
	return c.listenAddress
}

func (c *GRPCCommunicator) Start(handler communication.MessageHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	c.handler = handler

	var serverOpts []grpc.ServerOption
	if c.serverMetrics != nil {
		serverOpts = append(serverOpts, grpc.UnaryInterceptor(c.serverMetrics.UnaryServerInterceptor()))
	}
	c.grpcServer = grpc.NewServer(serverOpts...)
	c.grpcServer.RegisterService(&messageServiceDesc, &grpcServer{comm: c})
	if c.serverMetrics != nil {
		c.serverMetrics.InitializeMetrics(c.grpcServer)
	}

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("%w: %v", communication.ErrGRPCListenFailed, err)
	}
	// resolve ":0" style addresses to the bound port
	c.listenAddress = lis.Addr().String()

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator started successfully",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	go func() {
		if err := c.grpcServer.Serve(lis); err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	defer c.stopMutex.Unlock()

	if c.stopped {
		c.ls.Debug(log_service.LogEvent{
			Message:  "GRPC communicator already stopped, skipping",
			Metadata: map[string]any{"address": c.listenAddress},
		})
		return nil
	}

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	c.clientLock.Lock()
	for addr, conn := range c.clients {
		if err := conn.Close(); err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Failed to close GRPC client",
				Metadata: map[string]any{"to": addr, "error": err.Error()},
			})
		}
	}
	c.clients = make(map[string]*grpc.ClientConn)
	c.clientLock.Unlock()

	c.stopped = true
	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator stopped successfully",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	return nil
}

func (c *GRPCCommunicator) conn(to string) (*grpc.ClientConn, error) {
	c.clientLock.RLock()
	conn, ok := c.clients[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if conn, ok := c.clients[to]; ok {
		return conn, nil
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Creating new GRPC client",
		Metadata: map[string]any{"to": to},
	})

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if c.clientMetrics != nil {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(c.clientMetrics.UnaryClientInterceptor()))
	}
	conn, err := grpc.NewClient(to, dialOpts...)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to create GRPC client",
			Metadata: map[string]any{"to": to, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", communication.ErrClientCreateFailed, err)
	}
	c.clients[to] = conn
	return conn, nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.stopMutex.RLock()
	stopped := c.stopped
	c.stopMutex.RUnlock()
	if stopped {
		return nil, communication.ErrStopped
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending GRPC message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	conn, err := c.conn(to)
	if err != nil {
		return nil, err
	}

	req := &wrapperspb.BytesValue{Value: communication.MarshalMessage(msg)}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, sendMessageMethod, req, out); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to send GRPC message",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageSendFailed, err)
	}

	resp, err := communication.UnmarshalResponse(out.Value)
	if err != nil {
		return nil, err
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "responseCode": resp.Code},
	})
	return resp, nil
}

type grpcServer struct {
	comm *GRPCCommunicator
}

func (s *grpcServer) SendMessage(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.comm.handler == nil {
		return nil, communication.ErrHandlerNotSet
	}

	msg, err := communication.UnmarshalMessage(req.GetValue())
	if err != nil {
		return wrap(&communication.Response{Code: communication.CodeBadRequest, Body: []byte(err.Error())}), nil
	}

	resp, err := s.comm.handler(ctx, msg)
	if err != nil {
		s.comm.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": msg.Type, "error": err.Error()},
		})
		return wrap(&communication.Response{Code: communication.CodeInternal, Body: []byte(err.Error())}), nil
	}

	if resp == nil {
		return wrap(&communication.Response{Code: communication.CodeInternal, Body: []byte("handler returned nil response")}), nil
	}
	return wrap(resp), nil
}

func wrap(resp *communication.Response) *wrapperspb.BytesValue {
	return &wrapperspb.BytesValue{Value: communication.MarshalResponse(resp)}
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)
