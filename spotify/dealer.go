package spotify

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	dealerWriteRetryDelay = 200 * time.Millisecond
	dealerWriteRetries    = 3
	dealerWriteTimeout    = 10 * time.Second
)

// dealerConn wraps one websocket to the push channel: serialized writes,
// the keep-alive ping loop and an orderly close.
type dealerConn struct {
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	pingTicker *time.Ticker
	keepAlive  func()
	log        zerolog.Logger
	mu         sync.Mutex
	closeOnce  sync.Once
}

func dialDealer(ctx context.Context, dialer *websocket.Dialer, dealerURL, accessToken string, log zerolog.Logger) (*dealerConn, error) {
	u, err := url.Parse(dealerURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid dealer url")
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dealer handshake failed with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dealer dial failed")
	}

	cctx, cancel := context.WithCancel(context.Background())
	return &dealerConn{
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		log:    log,
	}, nil
}

// SafeWriteJSON writes data to the websocket with a short bounded retry.
func (d *dealerConn) SafeWriteJSON(data interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	operation := func() error {
		if err := d.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		_ = d.conn.SetWriteDeadline(time.Now().Add(dealerWriteTimeout))
		return d.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dealerWriteRetryDelay), dealerWriteRetries),
		d.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, wait time.Duration) {
		d.log.Debug().Err(err).Dur("wait", wait).Msg("retrying dealer write")
	})
}

// StartPing sends {"type":"ping"} every interval until the connection
// closes. keepAlive, when set, runs after every successful ping.
func (d *dealerConn) StartPing(interval time.Duration, keepAlive func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keepAlive = keepAlive
	d.pingTicker = time.NewTicker(interval)
	go d.pingLoop(d.pingTicker)
}

func (d *dealerConn) pingLoop(ticker *time.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.SafeWriteJSON(map[string]string{"type": "ping"}); err != nil {
				d.log.Warn().Err(err).Msg("dealer ping failed")
				d.Close(websocket.CloseInternalServerErr, "ping failure")
				return
			}
			if d.keepAlive != nil {
				d.keepAlive()
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// ReadMessage blocks for the next text frame.
func (d *dealerConn) ReadMessage() ([]byte, error) {
	_, data, err := d.conn.ReadMessage()
	return data, err
}

// Close stops the ping loop, sends a close frame and closes the socket.
// It is safe to call more than once.
func (d *dealerConn) Close(code int, text string) error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()

		d.mu.Lock()
		defer d.mu.Unlock()

		if d.pingTicker != nil {
			d.pingTicker.Stop()
		}

		werr := d.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second),
		)
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			d.log.Debug().Err(werr).Msg("error sending close message")
		}
		err = d.conn.Close()
	})
	return err
}
