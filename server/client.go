package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/rtr"
)

type clientOptions struct {
	Logger       *zap.Logger
	ParentServer *Server
	Conn         net.Conn
}

// Client is one accepted RTR connection. It runs a bidirectional state
// machine driven by incoming PDUs and by new-version notifications from the
// owning target.
type Client struct {
	logger *zap.Logger
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	notify chan struct{}

	// version is fixed by the first query the client sends; a later query
	// with a different version is a protocol error.
	version      rtr.Version
	versionKnown bool

	// announcedSerial is the highest serial communicated to the client,
	// via End of Data or Serial Notify, used to suppress duplicate
	// notifies. Only meaningful while synced.
	announcedSerial rtr.Serial
	synced          bool
}

func newClient(opts *clientOptions) *Client {
	return &Client{
		logger: opts.Logger,
		server: opts.ParentServer,
		conn:   opts.Conn,
		reader: bufio.NewReader(opts.Conn),
		notify: make(chan struct{}, 1),
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// run drives the connection until the peer disconnects, a protocol error
// occurs, or the context is cancelled. It must only be called once.
func (c *Client) run(ctx context.Context) {
	defer func() {
		_ = c.conn.Close()
		c.server.handleClientDisconnect(c)
		c.logger.Debug("rtr client disconnected")
	}()

	pduCh := make(chan rtr.Pdu)
	errCh := make(chan error, 1)
	go func() {
		for {
			pdu, err := rtr.ReadPdu(c.reader)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case pduCh <- pdu:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case pdu := <-pduCh:
			if !c.handlePdu(ctx, pdu) {
				return
			}

		case err := <-errCh:
			var protoErr *rtr.ProtocolError
			if errors.As(err, &protoErr) {
				c.logger.Info("protocol error from rtr client", zap.Error(err))
				c.sendPdus(ctx, protoErr.Report(c.replyVersion()))
			} else if !isClosedErr(err) {
				c.logger.Warn("unexpected rtr read error", zap.Error(err))
			}
			return

		case <-c.notify:
			c.handleNotify(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) close() {
	_ = c.conn.Close()
}

func (c *Client) replyVersion() rtr.Version {
	if c.versionKnown {
		return c.version
	}
	return rtr.MaxVersion
}

// negotiateVersion records the protocol version from the client's first
// query and rejects a different version in any later one.
func (c *Client) negotiateVersion(pdu rtr.Pdu, version rtr.Version) bool {
	if !c.versionKnown {
		c.version = version
		c.versionKnown = true
		return true
	}
	if version == c.version {
		return true
	}

	c.logger.Info("rtr client switched protocol version mid-session",
		zap.Uint8("negotiated", uint8(c.version)),
		zap.Uint8("received", uint8(version)))
	c.sendPdus(context.Background(), &rtr.ErrorReport{
		Version: c.version,
		Code:    rtr.ErrUnexpectedProtocolVersion,
		Causing: pdu.Encode(),
		Text:    "protocol version changed during session",
	})
	return false
}

// handlePdu processes one client PDU. It returns false when the connection
// must close.
func (c *Client) handlePdu(ctx context.Context, pdu rtr.Pdu) bool {
	switch pdu := pdu.(type) {
	case *rtr.ResetQuery:
		if !c.negotiateVersion(pdu, pdu.Version) {
			return false
		}
		return c.handleResetQuery(ctx)

	case *rtr.SerialQuery:
		if !c.negotiateVersion(pdu, pdu.Version) {
			return false
		}
		return c.handleSerialQuery(ctx, pdu)

	case *rtr.ErrorReport:
		c.logger.Info("rtr client reported an error",
			zap.Uint16("code", uint16(pdu.Code)),
			zap.String("text", pdu.Text))
		return false

	default:
		c.logger.Info("unexpected pdu from rtr client",
			zap.Stringer("type", pdu.Type()))
		c.sendPdus(ctx, &rtr.ErrorReport{
			Version: c.replyVersion(),
			Code:    rtr.ErrInvalidRequest,
			Causing: pdu.Encode(),
			Text:    "pdu not valid from a router",
		})
		return false
	}
}

// handleResetQuery sends the complete current set.
func (c *Client) handleResetQuery(ctx context.Context) bool {
	set, serial := c.server.cache.Current()
	if set == nil {
		// not fatal: the client retries after its retry interval
		return c.sendPdus(ctx, &rtr.ErrorReport{
			Version: c.version,
			Code:    rtr.ErrNoDataAvailable,
			Text:    "no data available yet",
		})
	}

	session := c.server.cache.Session()
	pdus := make([]rtr.Pdu, 0, set.Len()+2)
	pdus = append(pdus, &rtr.CacheResponse{Version: c.version, Session: session})
	for _, p := range set.Entries() {
		if pdu, ok := rtr.FromPayload(c.version, p, rtr.FlagAnnounce); ok {
			pdus = append(pdus, pdu)
		}
	}
	pdus = append(pdus, c.endOfData(session, serial))

	if !c.sendPdus(ctx, pdus...) {
		return false
	}
	c.server.metrics.FullSyncs.Add(ctx, 1, c.server.attrs)
	c.finishSync(serial)
	return true
}

// handleSerialQuery answers with the combined diff when the history covers
// the client's serial and with a Cache Reset when it does not or when the
// session does not match.
func (c *Client) handleSerialQuery(ctx context.Context, query *rtr.SerialQuery) bool {
	cache := c.server.cache
	session := cache.Session()

	if query.Session != session {
		c.server.metrics.CacheResets.Add(ctx, 1, c.server.attrs)
		return c.sendPdus(ctx, &rtr.CacheReset{Version: c.version})
	}

	set, current := cache.Current()
	if set == nil {
		return c.sendPdus(ctx, &rtr.ErrorReport{
			Version: c.version,
			Code:    rtr.ErrNoDataAvailable,
			Text:    "no data available yet",
		})
	}

	if query.Serial == current {
		// the client is already at the current serial: just End of Data,
		// no Cache Response
		if !c.sendPdus(ctx, c.endOfData(session, current)) {
			return false
		}
		c.finishSync(current)
		return true
	}

	diff, serial, ok := cache.DiffFrom(query.Serial)
	if !ok {
		c.server.metrics.CacheResets.Add(ctx, 1, c.server.attrs)
		return c.sendPdus(ctx, &rtr.CacheReset{Version: c.version})
	}

	pdus := make([]rtr.Pdu, 0, diff.Len()+2)
	pdus = append(pdus, &rtr.CacheResponse{Version: c.version, Session: session})
	for _, p := range diff.Announced() {
		if pdu, ok := rtr.FromPayload(c.version, p, rtr.FlagAnnounce); ok {
			pdus = append(pdus, pdu)
		}
	}
	for _, p := range diff.Withdrawn() {
		if pdu, ok := rtr.FromPayload(c.version, p, rtr.FlagWithdraw); ok {
			pdus = append(pdus, pdu)
		}
	}
	pdus = append(pdus, c.endOfData(session, serial))

	if !c.sendPdus(ctx, pdus...) {
		return false
	}
	c.finishSync(serial)
	return true
}

// finishSync records the serial the client is now at and re-arms the
// notification when the cache advanced while the response was being sent.
func (c *Client) finishSync(serial rtr.Serial) {
	c.synced = true
	c.announcedSerial = serial

	if _, current := c.server.cache.Current(); current.After(serial) {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// handleNotify sends a Serial Notify hint for the now-current serial. Only
// meaningful once the client has spoken: before the first query there is no
// negotiated version to use.
func (c *Client) handleNotify(ctx context.Context) {
	if !c.synced {
		return
	}
	set, serial := c.server.cache.Current()
	if set == nil || serial == c.announcedSerial {
		return
	}
	if !c.sendPdus(ctx, &rtr.SerialNotify{
		Version: c.version,
		Session: c.server.cache.Session(),
		Serial:  serial,
	}) {
		return
	}
	c.announcedSerial = serial
}

// endOfData builds the End of Data PDU closing a response. The timer
// values only go on the wire from version 1 on.
func (c *Client) endOfData(session uint16, serial rtr.Serial) *rtr.EndOfData {
	return &rtr.EndOfData{
		Version: c.version,
		Session: session,
		Serial:  serial,
		Refresh: c.server.timers.Refresh,
		Retry:   c.server.timers.Retry,
		Expire:  c.server.timers.Expire,
	}
}

// sendPdus writes the given PDUs as one buffered burst. Returns false on
// write failure, after which the connection is useless.
func (c *Client) sendPdus(ctx context.Context, pdus ...rtr.Pdu) bool {
	w := bufio.NewWriter(c.conn)
	for _, pdu := range pdus {
		if _, err := w.Write(pdu.Encode()); err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("failed to write pdu", zap.Error(err))
			}
			return false
		}
	}
	if err := w.Flush(); err != nil {
		if !isClosedErr(err) {
			c.logger.Warn("failed to flush pdus", zap.Error(err))
		}
		return false
	}
	c.server.metrics.PdusSent.Add(ctx, int64(len(pdus)), c.server.attrs)
	return true
}
