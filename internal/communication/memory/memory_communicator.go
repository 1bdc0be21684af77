package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/AnishMulay/sandmirror/internal/communication"
	"github.com/AnishMulay/sandmirror/internal/log_service"
)

// InterceptFunc wraps delivery to one address. next performs the real call.
type InterceptFunc func(ctx context.Context, msg communication.Message, next communication.MessageHandler) (*communication.Response, error)

// Network connects in-process communicators by address.
type Network struct {
	mu           sync.RWMutex
	nodes        map[string]*MemoryCommunicator
	down         map[string]bool
	interceptors map[string]InterceptFunc
}

func NewNetwork() *Network {
	return &Network{
		nodes:        make(map[string]*MemoryCommunicator),
		down:         make(map[string]bool),
		interceptors: make(map[string]InterceptFunc),
	}
}

// SetDown makes sends to addr fail as if the peer were unreachable.
func (n *Network) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Intercept installs fn for deliveries to addr; nil removes it.
func (n *Network) Intercept(addr string, fn InterceptFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn == nil {
		delete(n.interceptors, addr)
		return
	}
	n.interceptors[addr] = fn
}

type MemoryCommunicator struct {
	addr    string
	network *Network
	ls      log_service.LogService

	mu      sync.RWMutex
	handler communication.MessageHandler
}

func NewMemoryCommunicator(network *Network, addr string, ls log_service.LogService) *MemoryCommunicator {
	return &MemoryCommunicator{addr: addr, network: network, ls: ls}
}

func (c *MemoryCommunicator) Address() string {
	return c.addr
}

func (c *MemoryCommunicator) Start(handler communication.MessageHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if _, taken := c.network.nodes[c.addr]; taken {
		return fmt.Errorf("%w: address %s in use", communication.ErrServerStartFailed, c.addr)
	}
	c.network.nodes[c.addr] = c
	return nil
}

func (c *MemoryCommunicator) Stop() error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if c.network.nodes[c.addr] == c {
		delete(c.network.nodes, c.addr)
	}
	return nil
}

// Send delivers msg synchronously. Message and response pass through the
// envelope codec so handlers never share buffers with the caller.
func (c *MemoryCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageSendFailed, err)
	}

	c.network.mu.RLock()
	peer, ok := c.network.nodes[to]
	down := c.network.down[to]
	intercept := c.network.interceptors[to]
	c.network.mu.RUnlock()

	if !ok || down {
		c.ls.Debug(log_service.LogEvent{
			Message:  "Peer unreachable",
			Metadata: map[string]any{"to": to, "type": msg.Type},
		})
		return nil, fmt.Errorf("%w: %s", communication.ErrConnectionFailed, to)
	}

	wire, err := communication.UnmarshalMessage(communication.MarshalMessage(msg))
	if err != nil {
		return nil, err
	}

	deliver := func(ctx context.Context, m communication.Message) (*communication.Response, error) {
		peer.mu.RLock()
		h := peer.handler
		peer.mu.RUnlock()
		if h == nil {
			return nil, communication.ErrHandlerNotSet
		}
		resp, err := h(ctx, m)
		if err != nil {
			return &communication.Response{Code: communication.CodeInternal, Body: []byte(err.Error())}, nil
		}
		if resp == nil {
			return &communication.Response{Code: communication.CodeInternal, Body: []byte("handler returned nil response")}, nil
		}
		return resp, nil
	}

	var resp *communication.Response
	if intercept != nil {
		resp, err = intercept(ctx, wire, deliver)
	} else {
		resp, err = deliver(ctx, wire)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageSendFailed, err)
	}
	return communication.UnmarshalResponse(communication.MarshalResponse(resp))
}

var _ communication.Communicator = (*MemoryCommunicator)(nil)
