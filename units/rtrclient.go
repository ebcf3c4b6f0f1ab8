package units

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
	"github.com/sumkincpp/rtrtr/rtr"
)

// DefaultRtrRetry is the reconnect cap in seconds when the unit does not
// configure one.
const DefaultRtrRetry = 60

// RtrClient tracks an upstream RTR cache over plain TCP and republishes
// its payload set. It keeps session and serial state across reconnects so
// it can resync incrementally, and falls back to a full reset when the
// upstream tells it to.
type RtrClient struct {
	Type   string `mapstructure:"type"`
	Remote string `mapstructure:"remote"`
	Retry  int    `mapstructure:"retry"`
}

func (u *RtrClient) SourceNames() []string { return nil }

// clientState is the data the unit carries across connections.
type clientState struct {
	version rtr.Version
	session uint16
	serial  rtr.Serial
	set     *payload.Set
}

func (u *RtrClient) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if u.Remote == "" {
		return fmt.Errorf("rtr unit %q needs a remote", comp.Name)
	}
	retry := time.Duration(u.Retry) * time.Second
	if u.Retry <= 0 {
		retry = DefaultRtrRetry * time.Second
	}

	state := &clientState{version: rtr.MaxVersion}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = retry
	bo.MaxElapsedTime = 0

	for {
		err := u.runSession(ctx, comp, gate, state, retry, bo)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			comp.Logger.Warn("rtr session ended, reconnecting",
				zap.String("remote", u.Remote),
				zap.Error(err))
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession dials the upstream and exchanges data until the connection
// fails or the context is cancelled.
func (u *RtrClient) runSession(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	state *clientState,
	refresh time.Duration,
	bo *backoff.ExponentialBackOff,
) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", u.Remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock reads when we are cancelled
	closeCtx, stopCloser := context.WithCancel(ctx)
	defer stopCloser()
	go func() {
		<-closeCtx.Done()
		_ = conn.Close()
	}()

	comp.Logger.Info("connected to rtr cache",
		zap.String("remote", u.Remote),
		zap.Uint8("version", uint8(state.version)))

	if state.set == nil {
		err = u.query(conn, state, &rtr.ResetQuery{Version: state.version})
	} else {
		err = u.query(conn, state, &rtr.SerialQuery{
			Version: state.version,
			Session: state.session,
			Serial:  state.serial,
		})
	}
	if err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	var announced, withdrawn []payload.Payload
	var fullResync bool
	inResponse := false

	for {
		_ = conn.SetReadDeadline(time.Now().Add(refresh + 10*time.Second))
		pdu, err := rtr.ReadPdu(reader)
		if err != nil {
			if os.IsTimeout(err) && !inResponse {
				// refresh interval passed without news, poll explicitly
				if err := u.query(conn, state, &rtr.SerialQuery{
					Version: state.version,
					Session: state.session,
					Serial:  state.serial,
				}); err != nil {
					return err
				}
				continue
			}
			return err
		}

		switch pdu := pdu.(type) {
		case *rtr.CacheResponse:
			inResponse = true
			announced, withdrawn = nil, nil
			state.session = pdu.Session

		case *rtr.Ipv4Prefix, *rtr.Ipv6Prefix, *rtr.RouterKey, *rtr.Aspa:
			if !inResponse {
				return fmt.Errorf("payload pdu outside a cache response")
			}
			record, flags, err := rtr.ToPayload(pdu)
			if err != nil {
				return err
			}
			if flags == rtr.FlagAnnounce {
				announced = append(announced, record)
			} else {
				withdrawn = append(withdrawn, record)
			}

		case *rtr.EndOfData:
			if !inResponse {
				return fmt.Errorf("end of data outside a cache response")
			}
			inResponse = false
			state.session = pdu.Session
			state.serial = pdu.Serial

			base := state.set
			if fullResync || base == nil {
				base = payload.EmptySet()
				fullResync = false
			}
			withdrawSet := payload.FromSlice(withdrawn)
			next := base.Filter(func(p payload.Payload) bool {
				return !withdrawSet.Contains(p)
			}).Merge(payload.FromSlice(announced))
			announced, withdrawn = nil, nil

			state.set = next
			bo.Reset()
			if _, published := gate.PublishIfChanged(next); published {
				comp.Logger.Info("published payload set from rtr cache",
					zap.Int("size", next.Len()),
					zap.Uint32("serial", uint32(state.serial)))
			}

		case *rtr.SerialNotify:
			if inResponse {
				// the pending response covers the notified serial
				continue
			}
			if err := u.query(conn, state, &rtr.SerialQuery{
				Version: state.version,
				Session: state.session,
				Serial:  state.serial,
			}); err != nil {
				return err
			}

		case *rtr.CacheReset:
			fullResync = true
			if err := u.query(conn, state, &rtr.ResetQuery{Version: state.version}); err != nil {
				return err
			}

		case *rtr.ErrorReport:
			switch pdu.Code {
			case rtr.ErrNoDataAvailable:
				comp.Logger.Debug("rtr cache has no data yet",
					zap.String("remote", u.Remote))
				select {
				case <-time.After(refresh):
				case <-ctx.Done():
					return ctx.Err()
				}
				query := rtr.Pdu(&rtr.ResetQuery{Version: state.version})
				if state.set != nil {
					query = &rtr.SerialQuery{
						Version: state.version,
						Session: state.session,
						Serial:  state.serial,
					}
				}
				if err := u.query(conn, state, query); err != nil {
					return err
				}

			case rtr.ErrUnsupportedProtocolVersion, rtr.ErrUnexpectedProtocolVersion:
				if state.version > rtr.Version0 {
					state.version--
					return fmt.Errorf("upstream rejected protocol version, retrying with %d", state.version)
				}
				return fmt.Errorf("upstream rejected all protocol versions")

			default:
				return fmt.Errorf("upstream reported error %d: %s", pdu.Code, pdu.Text)
			}

		default:
			return fmt.Errorf("unexpected pdu %s from rtr cache", pdu.Type())
		}
	}
}

func (u *RtrClient) query(conn net.Conn, state *clientState, pdu rtr.Pdu) error {
	_, err := conn.Write(pdu.Encode())
	return err
}
