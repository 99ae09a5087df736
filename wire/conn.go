// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// maxLineLength bounds a single NDJSON message. A snapshot of a large
// fleet with QR payloads inlined stays well under this; anything
// bigger is a broken or hostile peer.
const maxLineLength = 4 * 1024 * 1024

// Conn frames wire messages as NDJSON over a byte stream: one JSON
// object per line, newline-terminated. Both sides of the observer
// channel use it — the server reads Inbound and writes Outbound, the
// client does the reverse.
//
// Reads and writes are independently serialized, so one reader
// goroutine and one writer goroutine may share a Conn.
type Conn struct {
	raw io.ReadWriteCloser

	readMu  sync.Mutex
	scanner *bufio.Scanner

	writeMu sync.Mutex
	writer  *bufio.Writer
}

// NewConn wraps a byte stream (typically a net.Conn) in NDJSON
// framing.
func NewConn(raw io.ReadWriteCloser) *Conn {
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	return &Conn{
		raw:     raw,
		scanner: scanner,
		writer:  bufio.NewWriter(raw),
	}
}

// ReadInbound reads one observer → server message. A decode failure
// of a syntactically complete line returns *ProtocolError; the
// connection remains usable for the next line.
func (c *Conn) ReadInbound() (Inbound, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return DecodeInbound(line)
}

// ReadOutbound reads one server → observer message.
func (c *Conn) ReadOutbound() (Outbound, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return DecodeOutbound(line)
}

// WriteInbound writes one observer → server message.
func (c *Conn) WriteInbound(msg Inbound) error {
	data, err := EncodeInbound(msg)
	if err != nil {
		return err
	}
	return c.writeLine(data)
}

// WriteOutbound writes one server → observer message.
func (c *Conn) WriteOutbound(msg Outbound) error {
	data, err := EncodeOutbound(msg)
	if err != nil {
		return err
	}
	return c.writeLine(data)
}

// Close closes the underlying stream. Any blocked read or write
// unblocks with an error.
func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) readLine() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("wire: read: %w", err)
		}
		return nil, io.EOF
	}
	// Scanner reuses its buffer; copy so decode results don't alias
	// the next line.
	line := make([]byte, len(c.scanner.Bytes()))
	copy(line, c.scanner.Bytes())
	return line, nil
}

func (c *Conn) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}
