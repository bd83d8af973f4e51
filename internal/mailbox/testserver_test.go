package mailbox

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "admin@example.com"
	testPassword = "correct-horse"
)

// trackingListener counts accepted connections and can drop them all to
// simulate a network failure.
type trackingListener struct {
	net.Listener

	mu      sync.Mutex
	accepts int
	conns   []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.accepts++
	l.conns = append(l.conns, c)
	l.mu.Unlock()
	return c, nil
}

func (l *trackingListener) acceptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepts
}

func (l *trackingListener) dropAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

type testServer struct {
	ln   *trackingListener
	port int
}

type serverOption func(*imapserver.Options)

// withoutSearch makes every SEARCH fail with NO, like servers with a broken
// search index.
func withoutSearch() serverOption {
	return func(opts *imapserver.Options) {
		newSession := opts.NewSession
		opts.Caps = imap.CapSet{imap.CapIMAP4rev1: {}}
		opts.NewSession = func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			sess, greeting, err := newSession(conn)
			if err != nil {
				return nil, nil, err
			}
			return &noSearchSession{Session: sess}, greeting, nil
		}
	}
}

type noSearchSession struct {
	imapserver.Session
}

func (s *noSearchSession) Search(imapserver.NumKind, *imap.SearchCriteria, *imap.SearchOptions) (*imap.SearchData, error) {
	return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Text: "search index unavailable"}
}

// newTestServer starts an in-memory IMAP server with one account and an
// empty INBOX on a loopback port.
func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	options := &imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
			imap.CapUIDPlus:   {},
		},
		InsecureAuth: true,
	}
	for _, opt := range opts {
		opt(options)
	}
	srv := imapserver.New(options)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tl := &trackingListener{Listener: ln}

	go func() { _ = srv.Serve(tl) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &testServer{ln: tl, port: ln.Addr().(*net.TCPAddr).Port}
}

func (ts *testServer) config() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             ts.port,
		Security:         SecurityNone,
		Username:         testUser,
		Password:         testPassword,
		OperationTimeout: 5 * time.Second,
		IOTimeout:        5 * time.Second,
		DialTimeout:      2 * time.Second,
		Backoff: BackoffConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      3,
		},
	}
}

// admin opens a separate client for seeding and inspecting the mailbox.
func (ts *testServer) admin(t *testing.T) *imapclient.Client {
	t.Helper()
	c, err := imapclient.DialInsecure(fmt.Sprintf("127.0.0.1:%d", ts.port), nil)
	require.NoError(t, err)
	require.NoError(t, c.Login(testUser, testPassword).Wait())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// appendMessage stores raw in INBOX and returns its UID.
func (ts *testServer) appendMessage(t *testing.T, raw string, flags ...imap.Flag) UID {
	t.Helper()
	c := ts.admin(t)
	defer func() { _ = c.Logout().Wait() }()

	cmd := c.Append("INBOX", int64(len(raw)), &imap.AppendOptions{Flags: flags})
	_, err := cmd.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	data, err := cmd.Wait()
	require.NoError(t, err)
	if data.UID != 0 {
		return UID(data.UID)
	}

	// No APPENDUID without UIDPLUS: the new message has the highest UID.
	_, err = c.Select("INBOX", nil).Wait()
	require.NoError(t, err)
	msgs, err := c.Fetch(imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}, &imap.FetchOptions{UID: true}).Collect()
	require.NoError(t, err)
	var last imap.UID
	for _, m := range msgs {
		if m.UID > last {
			last = m.UID
		}
	}
	require.NotZero(t, last)
	return UID(last)
}

// burnUIDs appends and expunges n messages so the next UID is n+1.
func (ts *testServer) burnUIDs(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts.appendMessage(t, plainMessage(fmt.Sprintf("placeholder %d", i), "noise@example.com", "x", time.Now()))
	}
	c := ts.admin(t)
	defer func() { _ = c.Logout().Wait() }()

	_, err := c.Select("INBOX", nil).Wait()
	require.NoError(t, err)
	all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
	require.NoError(t, c.Store(all, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close())
	require.NoError(t, c.Expunge().Close())
}

// silentServerConfig points at a listener that accepts connections but never
// sends a greeting.
func silentServerConfig(t *testing.T) Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})

	return Config{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Security: SecurityNone,
		Username: testUser,
		Password: testPassword,
		// Socket deadlines stay long so only the operation deadline fires.
		IOTimeout: 10 * time.Second,
	}
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := New(cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func plainMessage(subject, from, body string, date time.Time) string {
	return strings.Join([]string{
		"From: " + from,
		"To: " + testUser,
		"Subject: " + subject,
		"Date: " + date.Format(time.RFC1123Z),
		"Message-ID: <" + fmt.Sprintf("%d.%s", date.UnixNano(), strings.ReplaceAll(subject, " ", "-")) + "@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
		"",
	}, "\r\n")
}

func alternativeMessage(subject, text, html string, date time.Time) string {
	return strings.Join([]string{
		"From: Recruiter <jobs@example.com>",
		"To: " + testUser,
		"Subject: " + subject,
		"Date: " + date.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="alt"`,
		"",
		"--alt",
		"Content-Type: text/plain; charset=utf-8",
		"",
		text,
		"--alt",
		"Content-Type: text/html; charset=utf-8",
		"",
		html,
		"--alt--",
		"",
	}, "\r\n")
}

// attachmentMessage carries a text part and one base64 attachment.
func attachmentMessage(subject, filename, contentB64 string, date time.Time) string {
	return strings.Join([]string{
		"From: Candidate <candidate@example.com>",
		"To: " + testUser,
		"Subject: " + subject,
		"Date: " + date.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="mix"`,
		"",
		"--mix",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please find my CV attached.",
		"--mix",
		`Content-Type: application/pdf; name="` + filename + `"`,
		`Content-Disposition: attachment; filename="` + filename + `"`,
		"Content-Transfer-Encoding: base64",
		"",
		contentB64,
		"--mix--",
		"",
	}, "\r\n")
}

type lineWriter func(string)

func (f lineWriter) Write(p []byte) (int, error) {
	f(string(p))
	return len(p), nil
}

// testLogger emits one JSON line per event to fn at trace level.
func testLogger(fn func(string)) zerolog.Logger {
	return zerolog.New(lineWriter(fn)).Level(zerolog.TraceLevel)
}
