// Package mpv speaks mpv's JSON IPC protocol over the unix socket a player
// process creates with --input-ipc-server.
//
// Every failure is reported as an error but none of them is fatal: callers
// treat an error as "the command had no effect".
package mpv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSocketUnavailable means the control socket did not show up within the handshake budget
	ErrSocketUnavailable = errors.New("control socket unavailable")

	// ErrNoData means a reply carried no numeric data field
	ErrNoData = errors.New("reply has no numeric data")
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 50 * time.Millisecond
	defaultIOTimeout  = 500 * time.Millisecond

	// a single read is enough for any property reply we ask for
	replyBufferSize = 2048

	propertyPercentPos = "percent-pos"
)

// Client sends commands and property queries to player processes
type Client struct {
	logger *zap.SugaredLogger

	// handshake: poll for the socket path this many times, RetryDelay apart
	Retries    int
	RetryDelay time.Duration

	// bounds dialing, writing and reading on a single connection
	IOTimeout time.Duration
}

type request struct {
	Command []any `json:"command"`
}

const replySuccess = "success"

var jsonNull = []byte("null")

type reply struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func NewClient(logger *zap.SugaredLogger) *Client {
	return &Client{
		logger:     logger.Named("mpv"),
		Retries:    defaultRetries,
		RetryDelay: defaultRetryDelay,
		IOTimeout:  defaultIOTimeout,
	}
}

// Encode renders a command as a single newline-terminated protocol line
func Encode(verb string, args ...any) ([]byte, error) {
	line, err := json.Marshal(request{Command: append([]any{verb}, args...)})
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", verb, err)
	}

	return append(line, '\n'), nil
}

// Command writes one command to the socket and closes the connection without reading a reply
func (c *Client) Command(ctx context.Context, socketPath string, verb string, args ...any) error {
	payload, err := Encode(verb, args...)
	if err != nil {
		return err
	}

	conn, err := c.connect(ctx, socketPath)
	if err != nil {
		c.logger.Debugw("Dropping command", "verb", verb, "socket", socketPath, "error", err)
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		c.logger.Debugw("Failed to write command", "verb", verb, "socket", socketPath, "error", err)
		return fmt.Errorf("write %s command: %w", verb, err)
	}

	return nil
}

// SetVolume sets the player's device volume. Values above 100 are valid up to the player's --volume-max
func (c *Client) SetVolume(ctx context.Context, socketPath string, volume float64) error {
	return c.Command(ctx, socketPath, "set_property", "volume", volume)
}

// SetPause pauses or resumes playback
func (c *Client) SetPause(ctx context.Context, socketPath string, paused bool) error {
	value := "no"
	if paused {
		value = "yes"
	}

	return c.Command(ctx, socketPath, "set_property", "pause", value)
}

// Seek jumps to an absolute position given as a fraction in [0,1]
func (c *Client) Seek(ctx context.Context, socketPath string, fraction float64) error {
	return c.Command(ctx, socketPath, "seek", fraction*100, "absolute-percent")
}

// Quit asks the player to exit
func (c *Client) Quit(ctx context.Context, socketPath string) error {
	return c.Command(ctx, socketPath, "quit")
}

// GetProperty sends a get_property request and returns the raw reply buffer
func (c *Client) GetProperty(ctx context.Context, socketPath string, name string) ([]byte, error) {
	payload, err := Encode("get_property", name)
	if err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(c.deadline(ctx))

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write get_property request: %w", err)
	}

	buf := make([]byte, replyBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = ErrNoData
		}
		return nil, fmt.Errorf("read get_property reply: %w", err)
	}

	return buf[:n], nil
}

// PercentPos returns the playback position normalized to [0,1]
func (c *Client) PercentPos(ctx context.Context, socketPath string) (float64, error) {
	resp, err := c.GetProperty(ctx, socketPath, propertyPercentPos)
	if err != nil {
		return 0, err
	}

	return ParsePercent(resp)
}

// ParseData extracts the numeric data field from a reply buffer.
// The player may interleave event lines with the reply, so every line is tried
func ParseData(resp []byte) (float64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(resp))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.Contains(line, []byte(`"data"`)) {
			continue
		}

		var r reply
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if r.Error != "" && r.Error != replySuccess {
			continue
		}
		if len(r.Data) == 0 || bytes.Equal(r.Data, jsonNull) {
			continue
		}

		var value float64
		if err := json.Unmarshal(r.Data, &value); err != nil {
			continue
		}

		return value, nil
	}

	return 0, ErrNoData
}

// ParsePercent turns a percent-pos reply (0-100) into a [0,1] fraction
func ParsePercent(resp []byte) (float64, error) {
	value, err := ParseData(resp)
	if err != nil {
		return 0, err
	}

	return value / 100, nil
}

// WaitForSocket polls for the socket path to exist, up to retries times
func WaitForSocket(ctx context.Context, socketPath string, retries int, delay time.Duration) bool {
	for attempt := 0; attempt < retries; attempt++ {
		if socketExists(socketPath) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	return socketExists(socketPath)
}

func (c *Client) connect(ctx context.Context, socketPath string) (net.Conn, error) {
	if !WaitForSocket(ctx, socketPath, c.Retries, c.RetryDelay) {
		return nil, fmt.Errorf("wait for %s: %w", socketPath, ErrSocketUnavailable)
	}

	dialer := net.Dialer{Timeout: c.IOTimeout}

	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}

	_ = conn.SetWriteDeadline(c.deadline(ctx))

	return conn, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.IOTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}

	return deadline
}

func socketExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
