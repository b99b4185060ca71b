package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionHandler serves accepted connections. HandleConnection runs on
// its own goroutine per connection and owns conn until it returns.
// Shutdown is called once, before the listening socket is closed.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
	Shutdown()
}

// TCPListener accepts chat clients and hands each one to a ConnectionHandler.
type TCPListener struct {
	addr    string
	handler ConnectionHandler

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	conns    sync.WaitGroup
}

// NewTCPListener creates a listener for addr (host:port).
func NewTCPListener(addr string, handler ConnectionHandler) *TCPListener {
	return &TCPListener{
		addr:    addr,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Start binds the socket and runs the accept loop until ctx is cancelled.
// On cancellation the handler is told to shut down first, so every live
// session is notified before the listening socket goes away, and Start
// returns once all connection goroutines have finished.
func (l *TCPListener) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start relay listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	log.Info().Str("addr", ln.Addr().String()).Msg("relay listener started")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		l.handler.Shutdown()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-stopped
				l.conns.Wait()
				log.Info().Msg("relay listener stopped")
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				l.conns.Wait()
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			log.Error().Err(err).Dur("retry_in", backoff).Msg("failed to accept connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new client connection")

		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("remote", conn.RemoteAddr().String()).
						Msg("connection handler panicked")
					conn.Close()
				}
			}()
			l.handler.HandleConnection(ctx, conn)
		}()
	}
}

// Ready is closed once the socket is bound.
func (l *TCPListener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Start has bound.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listening socket without notifying sessions.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
