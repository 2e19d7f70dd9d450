package paperwatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSEDialer opens one Server-Sent Events stream per task. Each SSE event
// carries one JSON progress message in its data field.
type SSEDialer struct {
	// URL is an address template; "{id}" is replaced by the task id.
	URL string
	// Header is added to every request.
	Header http.Header
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// NewSSEDialer returns an SSEDialer for the given address template.
func NewSSEDialer(url string) *SSEDialer {
	return &SSEDialer{URL: url}
}

func (d *SSEDialer) Dial(ctx context.Context, id TaskID) (Conn, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	addr := expandAddress(d.URL, id)

	// The stream outlives Dial, so it gets its own cancel instead of ctx.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, addr, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("dial %s: unexpected status %d", addr, resp.StatusCode)
	}
	return &sseConn{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		cancel: cancel,
	}, nil
}

// sseConn reads SSE frames from an HTTP response body.
type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
}

// ReadMessage returns the data of the next event. Comments (keep-alives) and
// event names are skipped.
func (c *sseConn) ReadMessage() ([]byte, error) {
	var data []byte
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if data != nil {
				return data, nil
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			chunk := bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" "))
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		}
	}
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}
