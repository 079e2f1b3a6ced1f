// Package command implements the line-oriented TCP control protocol.
package command

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
)

// Greeting is the one-line banner sent on connect.
const Greeting = "Hello? Yes this is the phone orchestrator."

// Server accepts control connections and services them concurrently; each
// line is one command, routed through the shared Router. A protocol error
// on one connection never affects the others.
type Server struct {
	router *Router

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a command server over router.
func NewServer(router *Router) *Server {
	return &Server{router: router, conns: make(map[net.Conn]struct{})}
}

// ListenAndServe listens on addr and serves until Close. It returns nil
// after a clean Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections, disconnects every open control
// session, and waits for in-flight handlers. A client mid-command gets its
// connection dropped; shutdown never waits for clients to hang up.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if _, err := conn.Write([]byte(Greeting + "\n")); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		response := s.router.Route(line)
		if _, err := conn.Write([]byte(response + "\n")); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Command connection error: %v", err)
	}
}
