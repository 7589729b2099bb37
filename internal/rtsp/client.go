package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrDuplicateSequence = errors.New("duplicate CSeq")
	ErrClosed            = errors.New("connection closed")
)

// interleaved frames start with '$', RFC 2326 section 10.12
const interleavedMagic = 0x24

type client struct {
	// wmu serialises writes so frames never interleave with messages
	wmu sync.Mutex
	smu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	mtu int

	requestSubscribers          map[string]func(request *Request, c Client) error
	interleavedFrameSubscribers map[string]func(channel uint8, payload []byte)
	rtspSocket                  net.Conn
	requestQueue                *requestQueue

	emu sync.Mutex
	err error
}

type requestQueue struct {
	mu    sync.Mutex
	items map[string]chan *Response
}

// NewClient wraps nc and starts reading from it. The connection is closed
// when ctx ends or the peer goes away.
func NewClient(ctx context.Context, nc net.Conn) Client {
	ctx, cancel := context.WithCancel(ctx)
	c := &client{
		ctx:                         ctx,
		cancel:                      cancel,
		requestQueue:                newRequestQueue(),
		requestSubscribers:          make(map[string]func(request *Request, c Client) error),
		interleavedFrameSubscribers: make(map[string]func(channel uint8, payload []byte)),
		mtu:                         4096,
		rtspSocket:                  nc,
	}
	go func() {
		<-ctx.Done()
		_ = nc.Close()
	}()
	go c.readLoop()

	return c
}

func (c *client) Close() error {
	c.cancel()
	return nil
}

func (c *client) SendRequest(ctx context.Context, request *Request) (*Response, error) {
	if request.Version == "" {
		request.Version = Version
	}
	ch, err := c.requestQueue.Enqueue(request.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	c.wmu.Lock()
	err = request.Write(c.rtspSocket)
	c.wmu.Unlock()
	if err != nil {
		c.requestQueue.Remove(request.Sequence)
		return nil, fmt.Errorf("failed to write %s request: %w", request.Method, err)
	}

	select {
	case <-ctx.Done():
		c.requestQueue.Remove(request.Sequence)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	case res := <-ch:
		return res, nil
	}
}

func (c *client) SendResponse(_ context.Context, response *Response) error {
	if response.Version == "" {
		response.Version = Version
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return response.Write(c.rtspSocket)
}

func (c *client) WriteInterleaved(channel uint8, payload []byte) error {
	if len(payload) > 0xffff {
		return fmt.Errorf("interleaved payload of %d bytes exceeds frame size", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = interleavedMagic
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	copy(frame[4:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rtspSocket.Write(frame)
	return err
}

func (c *client) SubscribeRequests(h func(request *Request, c Client) error) func() {
	c.smu.Lock()
	defer c.smu.Unlock()
	id := uuid.NewString()
	c.requestSubscribers[id] = h
	return func() {
		c.smu.Lock()
		defer c.smu.Unlock()
		delete(c.requestSubscribers, id)
	}
}

func (c *client) SubscribeInterleavedFrames(h func(channel uint8, payload []byte)) func() {
	c.smu.Lock()
	defer c.smu.Unlock()
	id := uuid.NewString()
	c.interleavedFrameSubscribers[id] = h
	return func() {
		c.smu.Lock()
		defer c.smu.Unlock()
		delete(c.interleavedFrameSubscribers, id)
	}
}

func (c *client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *client) Err() error {
	c.emu.Lock()
	defer c.emu.Unlock()
	return c.err
}

func (c *client) fail(err error) {
	c.emu.Lock()
	if c.err == nil && c.ctx.Err() == nil {
		c.err = err
	}
	c.emu.Unlock()
	c.cancel()
}

func (c *client) readLoop() {
	br := bufio.NewReaderSize(c.rtspSocket, c.mtu)
	reader := textproto.NewReader(br)
	for {
		first, err := br.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				c.fail(nil)
				return
			}
			c.fail(fmt.Errorf("failed to read from socket: %w", err))
			return
		}

		if first[0] == interleavedMagic {
			err = c.readInterleaved(br)
		} else {
			err = c.readMessage(br, reader)
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *client) readInterleaved(br *bufio.Reader) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("failed to read interleaved frame header: %w", err)
	}
	channel := header[1]
	payload := make([]byte, binary.BigEndian.Uint16(header[2:]))
	if _, err := io.ReadFull(br, payload); err != nil {
		return fmt.Errorf("failed to read interleaved frame payload: %w", err)
	}

	c.smu.RLock()
	defer c.smu.RUnlock()
	for _, handler := range c.interleavedFrameSubscribers {
		handler(channel, payload)
	}
	return nil
}

func (c *client) readMessage(br *bufio.Reader, reader *textproto.Reader) error {
	startLine, err := reader.ReadLine()
	if err != nil {
		return fmt.Errorf("failed to read RTSP start line: %w", err)
	}
	if strings.TrimSpace(startLine) == "" {
		return nil
	}
	headers, err := reader.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("failed to read RTSP headers: %w", err)
	}
	header := http.Header(headers)

	var body []byte
	if lengthHeader := header.Get("Content-Length"); lengthHeader != "" {
		length, err := strconv.Atoi(lengthHeader)
		if err != nil || length < 0 {
			return fmt.Errorf("failed to parse content-length %q", lengthHeader)
		}
		body = make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("failed to read body of RTSP message: %w", err)
		}
	}

	cSeq := header.Get("CSeq")

	if strings.HasPrefix(startLine, "RTSP/") {
		version, code, message, err := parseStatusLine(startLine)
		if err != nil {
			return err
		}
		ch, ok := c.requestQueue.Dequeue(cSeq)
		if !ok {
			log.WithField("cseq", cSeq).Debug("dropping response for unknown request")
			return nil
		}
		ch <- &Response{
			Version:  version,
			Code:     code,
			Message:  message,
			Sequence: cSeq,
			Header:   header,
			Body:     body,
		}
		return nil
	}

	method, uri, version, err := parseRequestLine(startLine)
	if err != nil {
		return err
	}
	request := &Request{
		Version:  version,
		URL:      uri,
		Sequence: cSeq,
		Method:   method,
		Header:   header,
		Body:     body,
	}

	// requests on one connection are handled in order; PLAY depends on SETUP
	c.smu.RLock()
	handlers := make([]func(*Request, Client) error, 0, len(c.requestSubscribers))
	for _, h := range c.requestSubscribers {
		handlers = append(handlers, h)
	}
	c.smu.RUnlock()
	for _, h := range handlers {
		if err := h(request, c); err != nil {
			return fmt.Errorf("handler function failed with: %w", err)
		}
	}
	return nil
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items: make(map[string]chan *Response),
	}
}

func (r *requestQueue) Enqueue(key string) (chan *Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return nil, fmt.Errorf("%w %s", ErrDuplicateSequence, key)
	}
	ch := make(chan *Response, 1)
	r.items[key] = ch
	return ch, nil
}

func (r *requestQueue) Dequeue(key string) (chan *Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.items[key]
	if ok {
		delete(r.items, key)
	}
	return ch, ok
}

func (r *requestQueue) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, key)
}
