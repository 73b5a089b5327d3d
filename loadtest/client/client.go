// Package client is a minimal game-protocol client for load testing:
// plain TCP, no obfuscation, no checksum envelope, which matches a
// server running with the crypto and sequencing knobs off.
package client

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

const dialTimeout = 5 * time.Second

// Client is one test connection. Each client needs a distinct UID or
// the server's per-account connection ceiling kicks in.
type Client struct {
	conn net.Conn
	rd   *bufio.Reader
	Name string
	UID  int
}

// Dial connects to the game port.
func Dial(addr, name string, uid int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, rd: bufio.NewReader(conn), Name: name, UID: uid}, nil
}

func (c *Client) send(line string) error {
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	return err
}

// ReadLine returns the next reply, without its terminator.
func (c *Client) ReadLine(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Intro joins a room and waits for the 201 admission reply.
func (c *Client) Intro(room int, timeout time.Duration) error {
	if err := c.send(fmt.Sprintf("200 %d %s#%d 127.0.0.1 <none> 0 U", room, c.Name, c.UID)); err != nil {
		return err
	}
	for {
		line, err := c.ReadLine(timeout)
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "201 "):
			return nil
		case strings.HasPrefix(line, "221 "), strings.HasPrefix(line, "999 "):
			return fmt.Errorf("intro rejected: %s", line)
		}
		// 203 roster lines and other room traffic are fine to skip
	}
}

// Chat sends a room chat line and waits for the 211 self echo,
// returning the round trip time.
func (c *Client) Chat(text string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	if err := c.send("210 0chat " + text); err != nil {
		return 0, err
	}
	for {
		line, err := c.ReadLine(timeout)
		if err != nil {
			return 0, err
		}
		if strings.HasPrefix(line, "211 ") {
			return time.Since(start), nil
		}
	}
}

// Ping sends 302 and waits for the 303 reply.
func (c *Client) Ping(timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	if err := c.send("302 P:0,0"); err != nil {
		return 0, err
	}
	for {
		line, err := c.ReadLine(timeout)
		if err != nil {
			return 0, err
		}
		if strings.HasPrefix(line, "303 ") {
			return time.Since(start), nil
		}
	}
}

// Quit announces the close so the server skips the room grace period.
func (c *Client) Quit() {
	_ = c.send("220 quit")
}

func (c *Client) Close() error { return c.conn.Close() }
