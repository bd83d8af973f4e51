package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/admin-mailbox/internal/logging"
)

// Security selects how the transport is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// BackoffConfig bounds the reconnect schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// Config is everything the engine needs to reach and drive one mailbox.
type Config struct {
	Host               string
	Port               int
	Security           Security
	Username           string
	Password           string
	InsecureSkipVerify bool
	DefaultFolder      string

	OperationTimeout  time.Duration
	IOTimeout         time.Duration
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	Backoff           BackoffConfig

	StatsSampleSize  int
	BodyPreviewLimit int
	MaxPageSize      int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 993
	}
	if c.Security == "" {
		c.Security = SecurityTLS
	}
	if c.DefaultFolder == "" {
		c.DefaultFolder = "INBOX"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.Backoff.InitialInterval <= 0 {
		c.Backoff.InitialInterval = time.Second
	}
	if c.Backoff.MaxInterval <= 0 {
		c.Backoff.MaxInterval = 30 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.StatsSampleSize <= 0 {
		c.StatsSampleSize = 50
	}
	if c.BodyPreviewLimit <= 0 {
		c.BodyPreviewLimit = 4096
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 200
	}
	return c
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

var errSessionLost = errors.New("imap session lost")

// session is one authenticated connection. It is published to callers only
// after LOGIN succeeded and is never reused once marked broken.
type session struct {
	client  *imapclient.Client
	conn    net.Conn
	gen     uint64
	uidPlus bool
}

func (s *session) close() {
	_ = s.client.Close()
}

// connManager owns the session lifecycle: connect, keepalive, reconnect and
// shutdown. Commands are serialized through sem.
type connManager struct {
	cfg Config
	log zerolog.Logger

	sem   *semaphore.Weighted
	group singleflight.Group

	mu       sync.Mutex
	state    State
	sess     *session
	gen      uint64
	authErr  error
	closed   bool
	validity map[string]uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConnManager(cfg Config, log zerolog.Logger) *connManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &connManager{
		cfg:      cfg,
		log:      logging.WithComponent(log, "imap"),
		sem:      semaphore.NewWeighted(1),
		state:    StateDisconnected,
		validity: make(map[string]uint32),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current lifecycle state.
func (m *connManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// fire applies e to the state table. m.mu must be held.
func (m *connManager) fire(e event) {
	to, ok := next(m.state, e)
	if !ok {
		m.log.Error().
			Stringer("state", m.state).
			Stringer("event", e).
			Msg("invalid state transition ignored")
		return
	}
	if to != m.state {
		m.log.Info().
			Stringer("from", m.state).
			Stringer("to", to).
			Stringer("event", e).
			Msg("connection state changed")
	}
	m.state = to
}

// ensureConnected returns the live session, connecting if needed. Concurrent
// callers share one connect attempt; a caller whose ctx ends stops waiting
// but the attempt carries on.
func (m *connManager) ensureConnected(ctx context.Context) (*session, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, ErrClosed
	case m.authErr != nil:
		err := m.authErr
		m.mu.Unlock()
		return nil, err
	case m.sess != nil:
		s := m.sess
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (any, error) {
		return m.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials with bounded exponential backoff. It runs on the manager's
// lifetime context so Shutdown aborts it.
func (m *connManager) connect() (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.sess != nil {
		s := m.sess
		m.mu.Unlock()
		return s, nil
	}
	if m.state == StateDisconnected {
		m.fire(evConnect)
	}
	m.mu.Unlock()

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.Backoff.InitialInterval),
		backoff.WithMaxInterval(m.cfg.Backoff.MaxInterval),
		backoff.WithMultiplier(m.cfg.Backoff.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, m.cfg.Backoff.MaxRetries), m.ctx)

	attempt := 0
	sess, err := backoff.RetryNotifyWithData(func() (*session, error) {
		attempt++
		s, err := m.dial(m.ctx)
		if err != nil {
			if IsAuthError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return s, nil
	}, policy, func(err error, wait time.Duration) {
		m.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("IMAP connect failed")
		m.mu.Lock()
		m.fire(evTransportFailure)
		m.mu.Unlock()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		switch {
		case m.closed:
			return nil, ErrClosed
		case IsAuthError(err):
			m.authErr = err
			m.fire(evAuthFailure)
			m.log.Error().Err(err).Msg("IMAP authentication rejected")
			return nil, err
		}
		m.fire(evExhausted)
		m.log.Error().Err(err).Int("attempts", attempt).Msg("IMAP reconnect budget exhausted")
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	if m.closed {
		sess.close()
		return nil, ErrClosed
	}
	m.gen++
	sess.gen = m.gen
	m.sess = sess
	m.fire(evEstablished)
	m.log.Info().
		Str("addr", m.cfg.addr()).
		Uint64("generation", sess.gen).
		Bool("uidplus", sess.uidPlus).
		Msg("IMAP session established")
	return sess, nil
}

// dial opens the transport, waits for the greeting and logs in. Every step
// runs under the io timeout deadline.
func (m *connManager) dial(ctx context.Context) (*session, error) {
	addr := m.cfg.addr()
	tlsConfig := &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
	}
	netDialer := &net.Dialer{Timeout: m.cfg.DialTimeout}

	var conn net.Conn
	var err error
	if m.cfg.Security == SecurityTLS {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(m.cfg.IOTimeout))

	opts := &imapclient.Options{TLSConfig: tlsConfig}
	if m.log.GetLevel() <= zerolog.TraceLevel {
		opts.DebugWriter = &traceWriter{log: m.log}
	}

	var client *imapclient.Client
	if m.cfg.Security == SecurityStartTLS {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	} else {
		client = imapclient.New(conn, opts)
		if err := client.WaitGreeting(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("waiting for greeting from %s: %w", addr, err)
		}
	}

	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &AuthError{Username: m.cfg.Username, Message: imapErr.Text}
		}
		return nil, fmt.Errorf("logging in to %s: %w", addr, err)
	}

	caps := client.Caps()
	_ = conn.SetDeadline(time.Time{})
	return &session{
		client:  client,
		conn:    conn,
		uidPlus: caps.Has(imap.CapUIDPlus) || caps.Has(imap.CapIMAP4rev2),
	}, nil
}

// markBroken retires the session of generation gen. Stale generations are
// ignored so a late failure cannot kill a newer session.
func (m *connManager) markBroken(gen uint64, cause error) {
	m.mu.Lock()
	if m.sess == nil || m.sess.gen != gen {
		m.mu.Unlock()
		return
	}
	s := m.sess
	m.sess = nil
	m.fire(evTransportFailure)
	m.mu.Unlock()

	msg := "IMAP session error, reconnecting"
	if isHardNetErr(cause) {
		msg = "IMAP connection lost, reconnecting"
	}
	m.log.Warn().Err(cause).Uint64("generation", gen).Msg(msg)
	s.close()
}

func (m *connManager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// run executes fn as one logical operation under the operation timeout.
// A transport failure reconnects and retries fn once.
func (m *connManager) run(ctx context.Context, op string, fn func(*session) error) error {
	ctx, cancel, te := m.bound(ctx, op)
	defer cancel()

	log := logging.WithOperation(m.log, op)
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := m.ensureConnected(ctx)
		if err != nil {
			return ctxError(ctx, te, err)
		}
		err = m.exec(ctx, te, sess, fn)
		if err == nil {
			log.Debug().Dur("duration", time.Since(start)).Msg("operation completed")
			return nil
		}
		if !isTransportError(err) {
			log.Debug().Err(err).Dur("duration", time.Since(start)).Msg("operation failed")
			return err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("transport failure during operation")
	}
	return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, op, lastErr)
}

// exec runs fn on a worker holding the session. The caller may stop waiting
// when ctx ends; the worker still finishes, bounded by the socket deadline.
func (m *connManager) exec(ctx context.Context, te *TimeoutError, sess *session, fn func(*session) error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return ctxError(ctx, te, err)
	}

	done := make(chan error, 1)
	go func() {
		defer m.sem.Release(1)
		if m.current() != sess {
			done <- errSessionLost
			return
		}
		_ = sess.conn.SetDeadline(time.Now().Add(m.cfg.IOTimeout))
		err := fn(sess)
		_ = sess.conn.SetDeadline(time.Time{})
		if isTransportError(err) {
			m.markBroken(sess.gen, err)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctxError(ctx, te, ctx.Err())
	}
}

// bound limits ctx to the operation timeout, or to the caller's own deadline
// when that is nearer. The returned error reports the effective limit.
func (m *connManager) bound(ctx context.Context, op string) (context.Context, context.CancelFunc, *TimeoutError) {
	te := &TimeoutError{Op: op, Timeout: m.cfg.OperationTimeout}
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < te.Timeout {
			te.Timeout = max(left, 0)
			ctx, cancel := context.WithCancel(ctx)
			return ctx, cancel, te
		}
	}
	ctx, cancel := context.WithTimeout(ctx, te.Timeout)
	return ctx, cancel, te
}

// ctxError turns a deadline expiry into te and passes other errors through.
func ctxError(ctx context.Context, te *TimeoutError, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return te
	}
	return err
}

// noteValidity records the UIDVALIDITY seen for folder and warns when the
// epoch changed: previously issued UIDs are then meaningless.
func (m *connManager) noteValidity(folder string, v uint32) {
	m.mu.Lock()
	prev, seen := m.validity[folder]
	m.validity[folder] = v
	m.mu.Unlock()
	if seen && prev != v {
		m.log.Warn().
			Str("folder", folder).
			Uint32("previous", prev).
			Uint32("current", v).
			Msg("UIDVALIDITY changed, cached UIDs are stale")
	}
}

// startKeepalive issues NOOP every interval while the session is idle.
func (m *connManager) startKeepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.keepalive()
			}
		}
	}()
}

func (m *connManager) keepalive() {
	if !m.sem.TryAcquire(1) {
		return
	}
	sess := m.current()
	if sess == nil {
		m.sem.Release(1)
		return
	}
	_ = sess.conn.SetDeadline(time.Now().Add(m.cfg.IOTimeout))
	err := sess.client.Noop().Wait()
	_ = sess.conn.SetDeadline(time.Time{})
	m.sem.Release(1)

	if err == nil {
		m.log.Trace().Msg("keepalive ok")
		return
	}
	m.markBroken(sess.gen, err)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.ensureConnected(m.ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Error().Err(err).Msg("background reconnect failed")
		}
	}()
}

// shutdown stops keepalive, aborts any backoff, logs out (bounded by ctx)
// and closes the socket.
func (m *connManager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sess := m.sess
	m.sess = nil
	m.fire(evShutdown)
	m.mu.Unlock()

	m.cancel()

	if sess != nil {
		if err := m.sem.Acquire(ctx, 1); err == nil {
			deadline := time.Now().Add(m.cfg.IOTimeout)
			if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
				deadline = d
			}
			_ = sess.conn.SetDeadline(deadline)
			if err := sess.client.Logout().Wait(); err != nil {
				m.log.Debug().Err(err).Msg("logout failed")
			}
			m.sem.Release(1)
		}
		sess.close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var loginLine = regexp.MustCompile(`(?i)^(\S+ LOGIN) .*$`)

// traceWriter logs the raw protocol exchange at trace level with LOGIN
// arguments redacted.
type traceWriter struct {
	log zerolog.Logger
}

func (w *traceWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\r\n"), []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		w.log.Trace().Str("wire", loginLine.ReplaceAllString(string(line), "$1 [redacted]")).Msg("imap")
	}
	return len(p), nil
}
