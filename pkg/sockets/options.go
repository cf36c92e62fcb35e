package sockets

import (
	"time"

	"go.uber.org/zap"
)

func WithPingInterval(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.pingInterval = d
	}
}

func WithPingMsg(msg []byte) func(*Conn) {
	return func(s *Conn) {
		s.pingMsg = msg
	}
}

func InsecureSkipVerify() func(*Conn) {
	return func(s *Conn) {
		s.sslSkipVerify = true
	}
}

func WithHandshakeTimeout(d time.Duration) func(*Conn) {
	return func(s *Conn) {
		s.handshakeTimeout = d
	}
}

func WithMaxStoredDataSize(size int) func(*Conn) {
	return func(s *Conn) {
		s.maxStoredDataSize = size
	}
}

func WithLogger(l *zap.Logger) func(*Conn) {
	return func(s *Conn) {
		s.logger = l
	}
}
