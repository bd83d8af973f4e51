package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uidsOf(emails []MessageSummary) []UID {
	out := make([]UID, len(emails))
	for i, e := range emails {
		out[i] = e.UID
	}
	return out
}

func TestListMessages_NewestFirstAndPaging(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()
	var want []UID
	for i := 0; i < 5; i++ {
		want = append([]UID{ts.appendMessage(t, plainMessage(fmt.Sprintf("msg %d", i), "hr@example.com", "hello", now))}, want...)
	}

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	var seen []UID
	for offset := 0; offset < 6; offset += 2 {
		res, err := svc.ListMessages(ctx, SearchFilter{Limit: 2, Offset: offset})
		require.NoError(t, err)
		assert.Equal(t, 5, res.Total)
		assert.Equal(t, "INBOX", res.Folder)
		seen = append(seen, uidsOf(res.Emails)...)
	}
	assert.Equal(t, want, seen)

	res, err := svc.ListMessages(ctx, SearchFilter{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Emails)
	assert.Equal(t, 5, res.Total)

	res, err = svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, want, uidsOf(res.Emails))
	assert.Equal(t, uint32(5), res.UnreadCount)
	assert.NotZero(t, res.UIDValidity)
}

func TestListMessages_Filters(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()
	invoiceRead := ts.appendMessage(t, plainMessage("Invoice March", "billing@example.com", "paid", now), imap.FlagSeen)
	invoiceUnread := ts.appendMessage(t, plainMessage("Invoice April", "billing@example.com", "due", now))
	cvUnread := ts.appendMessage(t, plainMessage("My CV", "candidate@example.com", "attached", now))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	all, err := svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{cvUnread, invoiceUnread, invoiceRead}, uidsOf(all.Emails))

	unread, err := svc.ListMessages(ctx, SearchFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []UID{cvUnread, invoiceUnread}, uidsOf(unread.Emails))
	assert.Equal(t, 2, unread.Total)

	bySubject, err := svc.ListMessages(ctx, SearchFilter{FreeText: "  Invoice "})
	require.NoError(t, err)
	assert.Equal(t, []UID{invoiceUnread, invoiceRead}, uidsOf(bySubject.Emails))

	bySender, err := svc.ListMessages(ctx, SearchFilter{FreeText: "candidate@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []UID{cvUnread}, uidsOf(bySender.Emails))

	both, err := svc.ListMessages(ctx, SearchFilter{FreeText: "Invoice", UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []UID{invoiceUnread}, uidsOf(both.Emails))

	blank, err := svc.ListMessages(ctx, SearchFilter{FreeText: "   "})
	require.NoError(t, err)
	assert.Equal(t, 3, blank.Total)
}

func TestListMessages_UnknownFolder(t *testing.T) {
	ts := newTestServer(t)
	svc := newTestService(t, ts.config())

	_, err := svc.ListMessages(context.Background(), SearchFilter{Folder: "Nope"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListMessages_SearchFallback(t *testing.T) {
	ts := newTestServer(t, withoutSearch())
	now := time.Now()
	read := ts.appendMessage(t, plainMessage("old", "a@example.com", "x", now), imap.FlagSeen)
	unread := ts.appendMessage(t, plainMessage("new", "b@example.com", "y", now))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	res, err := svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{unread, read}, uidsOf(res.Emails))

	res, err = svc.ListMessages(ctx, SearchFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []UID{unread}, uidsOf(res.Emails))

	_, err = svc.ListMessages(ctx, SearchFilter{FreeText: "new"})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "search", opErr.Op)

	// Plain EXPUNGE path: no UIDPLUS on this server.
	require.NoError(t, svc.DeleteMessage(ctx, "", read))
	res, err = svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{unread}, uidsOf(res.Emails))
}

func TestGetMessage(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.appendMessage(t, alternativeMessage(
		"Interview invitation",
		"Hello, are you free on Monday?",
		"<p>Hello, are you <b>free</b> on Monday?</p>",
		time.Now(),
	))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	msg, err := svc.GetMessage(ctx, "", uid)
	require.NoError(t, err)
	assert.Equal(t, uid, msg.UID)
	assert.Equal(t, "Interview invitation", msg.Subject)
	require.NotNil(t, msg.From)
	assert.Equal(t, "jobs@example.com", msg.From.Email)
	assert.Equal(t, "Recruiter", msg.From.Name)
	assert.Contains(t, msg.TextBody, "are you free on Monday?")
	assert.Contains(t, msg.HTMLBody, "<b>free</b>")
	assert.Empty(t, msg.Attachments)
	assert.True(t, msg.Unread)

	// Viewing must not set \Seen.
	again, err := svc.GetMessage(ctx, "", uid)
	require.NoError(t, err)
	assert.True(t, again.Unread)

	_, err = svc.GetMessage(ctx, "", uid+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRead(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.appendMessage(t, plainMessage("Flag me", "a@example.com", "x", time.Now()))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	require.NoError(t, svc.SetRead(ctx, "", uid, true))
	res, err := svc.ListMessages(ctx, SearchFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.NotContains(t, uidsOf(res.Emails), uid)

	// Idempotent.
	require.NoError(t, svc.SetRead(ctx, "", uid, true))

	require.NoError(t, svc.SetRead(ctx, "", uid, false))
	res, err = svc.ListMessages(ctx, SearchFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Contains(t, uidsOf(res.Emails), uid)

	err = svc.SetRead(ctx, "", uid+50, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMessage(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()
	keep := ts.appendMessage(t, plainMessage("keep", "a@example.com", "x", now))
	drop := ts.appendMessage(t, plainMessage("drop", "a@example.com", "y", now))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	before, err := svc.GetStats(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessage(ctx, "", drop))

	after, err := svc.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before.Total-1, after.Total)

	_, err = svc.GetMessage(ctx, "", drop)
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{keep}, uidsOf(res.Emails))

	kept, err := svc.GetMessage(ctx, "", keep)
	require.NoError(t, err)
	assert.Equal(t, "keep", kept.Subject)

	assert.ErrorIs(t, svc.DeleteMessage(ctx, "", drop), ErrNotFound)
}

func TestGetStats(t *testing.T) {
	ts := newTestServer(t)
	ref := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.Local)
	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))

	ts.appendMessage(t, plainMessage("today", "a@example.com", "x", ref.Add(-time.Hour)))
	ts.appendMessage(t, attachmentMessage("this week", "cv.pdf", pdf, ref.Add(-72*time.Hour)), imap.FlagSeen)
	ts.appendMessage(t, plainMessage("old", "a@example.com", "x", ref.AddDate(0, 0, -30)))

	svc := newTestService(t, ts.config())
	svc.now = func() time.Time { return ref }

	st, err := svc.GetStats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", st.Folder)
	assert.Equal(t, uint32(3), st.Total)
	assert.Equal(t, uint32(2), st.Unread)
	assert.Equal(t, 1, st.WithAttachments)
	assert.Equal(t, 1, st.Today)
	assert.Equal(t, 2, st.LastWeek)
	assert.Equal(t, 3, st.Sampled)
}

func TestGetStats_SampleIsBounded(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 4; i++ {
		ts.appendMessage(t, plainMessage(fmt.Sprintf("m%d", i), "a@example.com", "x", time.Now()))
	}

	cfg := ts.config()
	cfg.StatsSampleSize = 2
	svc := newTestService(t, cfg)

	st, err := svc.GetStats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), st.Total)
	assert.Equal(t, 2, st.Sampled)
}

func TestEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.burnUIDs(t, 9)

	now := time.Now()
	pdf := []byte("%PDF-1.4 curriculum vitae")
	u10 := ts.appendMessage(t, plainMessage("read", "a@example.com", "x", now), imap.FlagSeen)
	u11 := ts.appendMessage(t, plainMessage("unread", "b@example.com", "y", now))
	u12 := ts.appendMessage(t, attachmentMessage("with cv", "cv.pdf", base64.StdEncoding.EncodeToString(pdf), now))
	require.Equal(t, []UID{10, 11, 12}, []UID{u10, u11, u12})

	svc := newTestService(t, ts.config())
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, StateConnected, svc.State())

	res, err := svc.ListMessages(ctx, SearchFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []UID{12, 11}, uidsOf(res.Emails))
	assert.True(t, res.Emails[0].HasAttachments)
	assert.False(t, res.Emails[1].HasAttachments)

	st, err := svc.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.Total)
	assert.Equal(t, uint32(2), st.Unread)
	assert.Equal(t, 1, st.WithAttachments)

	detail, err := svc.GetMessage(ctx, "", 12)
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, "cv.pdf", detail.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", detail.Attachments[0].ContentType)
	assert.Equal(t, "2", detail.Attachments[0].Part)
	assert.Contains(t, detail.TextBody, "Please find my CV attached.")

	att, err := svc.GetAttachment(ctx, "", 12, "cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, pdf, att.Data)
	assert.Equal(t, "application/pdf", att.ContentType)

	_, err = svc.GetAttachment(ctx, "", 11, "cv.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetAttachment(ctx, "", 12, "missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthFailureIsFatalAndSticky(t *testing.T) {
	ts := newTestServer(t)
	cfg := ts.config()
	cfg.Password = "wrong"
	svc := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.ListMessages(ctx, SearchFilter{})
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 1, ts.ln.acceptCount())
	assert.Equal(t, StateDisconnected, svc.State())

	_, err = svc.GetStats(ctx, "")
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 1, ts.ln.acceptCount(), "auth failure must not be retried")
}

func TestUnresponsiveServerTimesOut(t *testing.T) {
	cfg := silentServerConfig(t)
	cfg.OperationTimeout = 200 * time.Millisecond
	svc := newTestService(t, cfg)

	start := time.Now()
	_, err := svc.ListMessages(context.Background(), SearchFilter{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, elapsed, 2*time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 200*time.Millisecond, te.Timeout)
}

func TestCallerDeadlineIsReported(t *testing.T) {
	cfg := silentServerConfig(t)
	cfg.OperationTimeout = 5 * time.Second
	svc := newTestService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := svc.GetStats(ctx, "")
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stats", te.Op)
	assert.LessOrEqual(t, te.Timeout, 150*time.Millisecond)
	assert.Positive(t, te.Timeout)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestReconnectIsTransparent(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.appendMessage(t, plainMessage("survivor", "a@example.com", "x", time.Now()))

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	res, err := svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Equal(t, []UID{uid}, uidsOf(res.Emails))
	base := ts.ln.acceptCount()

	ts.ln.dropAll()

	res, err = svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{uid}, uidsOf(res.Emails))
	assert.Equal(t, base+1, ts.ln.acceptCount())
	assert.Equal(t, StateConnected, svc.State())
}

func TestConcurrentCallersShareOneReconnect(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.appendMessage(t, plainMessage("shared", "a@example.com", "x", time.Now()))

	svc := newTestService(t, ts.config())
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	base := ts.ln.acceptCount()

	ts.ln.dropAll()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := svc.GetMessage(ctx, "", uid)
			if err == nil && msg.UID != uid {
				err = fmt.Errorf("got UID %d", msg.UID)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, base+1, ts.ln.acceptCount(), "exactly one reconnect")
}

func TestOperationsAfterClose(t *testing.T) {
	ts := newTestServer(t)
	svc := New(ts.config(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, StateDisconnected, svc.State())

	_, err := svc.ListMessages(ctx, SearchFilter{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, svc.Close(ctx))
}

func TestCallerCancellation(t *testing.T) {
	ts := newTestServer(t)
	svc := newTestService(t, ts.config())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ListMessages(ctx, SearchFilter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestKeepaliveRecoversDroppedSession(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.appendMessage(t, plainMessage("still here", "a@example.com", "x", time.Now()))

	cfg := ts.config()
	cfg.KeepaliveInterval = 100 * time.Millisecond
	svc := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	base := ts.ln.acceptCount()

	ts.ln.dropAll()

	require.Eventually(t, func() bool {
		return ts.ln.acceptCount() == base+1 && svc.State() == StateConnected
	}, 3*time.Second, 20*time.Millisecond, "keepalive should reconnect in the background")

	res, err := svc.ListMessages(ctx, SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, []UID{uid}, uidsOf(res.Emails))
	assert.Equal(t, base+1, ts.ln.acceptCount(), "operation reused the recovered session")
}

func TestRetryBudgetExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := Config{
		Host:     "127.0.0.1",
		Port:     port,
		Security: SecurityNone,
		Username: testUser,
		Password: testPassword,
		Backoff: BackoffConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      2,
		},
		OperationTimeout: 5 * time.Second,
		DialTimeout:      time.Second,
	}
	svc := newTestService(t, cfg)

	_, err = svc.ListMessages(context.Background(), SearchFilter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.False(t, IsAuthError(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, StateDisconnected, svc.State())

	// The engine stays usable: the next call tries again.
	_, err = svc.GetStats(context.Background(), "")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestGetMailbox(t *testing.T) {
	ts := newTestServer(t)
	ts.appendMessage(t, plainMessage("one", "a@example.com", "x", time.Now()))
	ts.appendMessage(t, plainMessage("two", "a@example.com", "x", time.Now()), imap.FlagSeen)

	svc := newTestService(t, ts.config())
	ctx := context.Background()

	mb, err := svc.GetMailbox(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", mb.Name)
	assert.Equal(t, uint32(2), mb.Messages)
	assert.Equal(t, uint32(1), mb.Unseen)
	assert.NotZero(t, mb.UIDValidity)
	assert.Greater(t, mb.UIDNext, UID(2))

	_, err = svc.GetMailbox(ctx, "NoSuchFolder")
	assert.ErrorIs(t, err, ErrNotFound)
}
