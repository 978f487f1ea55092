package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/store"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

type stubClient struct {
	mu           sync.Mutex
	sends        map[string][]string // chatID -> messages
	failures     map[string]int      // chatID -> remaining transient failures
	notConnected bool
}

func newStubClient() *stubClient {
	return &stubClient{sends: make(map[string][]string), failures: make(map[string]int)}
}

func (c *stubClient) Initialize(ctx context.Context) error { return nil }
func (c *stubClient) Destroy() error                       { return nil }

func (c *stubClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notConnected {
		return "", transport.ErrNotConnected
	}
	if c.failures[chatID] > 0 {
		c.failures[chatID]--
		return "", errors.New("transient send failure")
	}
	c.sends[chatID] = append(c.sends[chatID], text)
	return "stub-id", nil
}

func (c *stubClient) ChatPresence(ctx context.Context, chatID string) error { return nil }

func (c *stubClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.notConnected
}

func (c *stubClient) sentTo(chatID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[chatID]
}

func (c *stubClient) totalSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msgs := range c.sends {
		n += len(msgs)
	}
	return n
}

type stubSessions struct {
	client transport.Client
	err    error
}

func (s *stubSessions) ClientFor(tenantID string) (transport.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		BatchSize:    5,
		BatchDelay:   0,
		JitterMax:    0,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func waitTerminal(t *testing.T, st *store.Store, campaignID string) *store.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := st.GetCampaign(context.Background(), campaignID)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if c.Status == store.CampaignCompleted || c.Status == store.CampaignFailed {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("campaign never reached a terminal state")
	return nil
}

func contactList(n int) []Contact {
	contacts := make([]Contact, 0, n)
	for i := 0; i < n; i++ {
		contacts = append(contacts, Contact{
			ID:    string(rune('a' + i)),
			Name:  "Contact",
			Phone: "98765432" + string(rune('0'+i%10)) + string(rune('0'+i/10)),
		})
	}
	return contacts
}

func TestPartition(t *testing.T) {
	jobs := make([]*store.DeliveryJob, 12)
	for i := range jobs {
		jobs[i] = &store.DeliveryJob{ID: string(rune('a' + i))}
	}

	batches := partition(jobs, 5)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for i, want := range []int{5, 5, 2} {
		if len(batches[i]) != want {
			t.Errorf("batch %d: expected %d jobs, got %d", i, want, len(batches[i]))
		}
	}

	if got := partition(nil, 5); got != nil {
		t.Errorf("expected no batches for empty input, got %v", got)
	}
	if got := partition(jobs[:3], 0); len(got) != 3 {
		t.Errorf("non-positive size must fall back to 1, got %d batches", len(got))
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects empty contact list", func(t *testing.T) {
		s := NewScheduler(openTestStore(t), &stubSessions{client: newStubClient()}, testDeliveryConfig(), nil)
		defer s.Close()
		if _, err := s.Submit(ctx, "tenant-a", "hi", nil); !errors.Is(err, ErrNoContacts) {
			t.Errorf("expected ErrNoContacts, got %v", err)
		}
	})

	t.Run("rejects empty template", func(t *testing.T) {
		s := NewScheduler(openTestStore(t), &stubSessions{client: newStubClient()}, testDeliveryConfig(), nil)
		defer s.Close()
		if _, err := s.Submit(ctx, "tenant-a", "", contactList(1)); !errors.Is(err, ErrEmptyTemplate) {
			t.Errorf("expected ErrEmptyTemplate, got %v", err)
		}
	})

	t.Run("rejects when the session is not open", func(t *testing.T) {
		notOpen := errors.New("session not open")
		s := NewScheduler(openTestStore(t), &stubSessions{err: notOpen}, testDeliveryConfig(), nil)
		defer s.Close()
		if _, err := s.Submit(ctx, "tenant-a", "hi", contactList(1)); !errors.Is(err, notOpen) {
			t.Errorf("expected session error, got %v", err)
		}
	})

	t.Run("persists normalized phones and rendered messages", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()
		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()

		c, err := s.Submit(ctx, "tenant-a", "Hi {name}", []Contact{
			{ID: "c1", Name: "Asha", Phone: "98765 43210"},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		jobs, err := st.ListJobs(ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if jobs[0].Phone != "919876543210@c.us" {
			t.Errorf("phone not normalized: %q", jobs[0].Phone)
		}
		if jobs[0].RenderedMessage != "Hi Asha" {
			t.Errorf("template not rendered: %q", jobs[0].RenderedMessage)
		}
	})
}

func TestDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers every contact and completes the campaign", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()
		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()

		c, err := s.Submit(ctx, "tenant-a", "Hi {name}", contactList(12))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		final := waitTerminal(t, st, c.ID)
		p := final.Progress
		if p.Sent != 12 || p.Failed != 0 || p.Pending != 0 {
			t.Errorf("unexpected progress %+v", p)
		}
		if p.Sent+p.Failed+p.Pending != p.Total {
			t.Errorf("progress invariant violated: %+v", p)
		}
		if client.totalSends() != 12 {
			t.Errorf("expected 12 sends, got %d", client.totalSends())
		}
	})

	t.Run("transient failures retry and then succeed", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()
		client.failures["919876543200@c.us"] = 2
		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()

		c, err := s.Submit(ctx, "tenant-a", "hi", []Contact{
			{ID: "c1", Name: "A", Phone: "9876543200"},
		})
		if err != nil {
			t.Fatal(err)
		}

		final := waitTerminal(t, st, c.ID)
		if final.Progress.Sent != 1 {
			t.Errorf("expected the retried job to succeed: %+v", final.Progress)
		}
		jobs, _ := st.ListJobs(ctx, c.ID)
		if jobs[0].Status != store.JobSent || jobs[0].Attempts != 2 {
			t.Errorf("expected sent after 2 transient failures, got %+v", jobs[0])
		}
	})

	t.Run("retry ceiling fails the job", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()
		client.failures["919876543200@c.us"] = 100
		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()

		c, err := s.Submit(ctx, "tenant-a", "hi", []Contact{
			{ID: "c1", Name: "A", Phone: "9876543200"},
		})
		if err != nil {
			t.Fatal(err)
		}

		final := waitTerminal(t, st, c.ID)
		if final.Progress.Failed != 1 || final.Progress.Sent != 0 {
			t.Errorf("expected a failed job, got %+v", final.Progress)
		}
		jobs, _ := st.ListJobs(ctx, c.ID)
		if jobs[0].Status != store.JobFailed || jobs[0].Attempts != 3 {
			t.Errorf("expected failure at the attempt ceiling, got %+v", jobs[0])
		}
	})

	t.Run("disconnected transport fails fast without retries", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()
		client.notConnected = true
		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()

		c, err := s.Submit(ctx, "tenant-a", "hi", contactList(4))
		if err != nil {
			t.Fatal(err)
		}

		final := waitTerminal(t, st, c.ID)
		if final.Progress.Failed != 4 {
			t.Errorf("expected every job failed fast, got %+v", final.Progress)
		}
		jobs, _ := st.ListJobs(ctx, c.ID)
		for _, j := range jobs {
			if j.Attempts != 0 {
				t.Errorf("job %s retried a dead connection: %+v", j.ID, j)
			}
		}
	})

	t.Run("resume finishes queued jobs from a previous run", func(t *testing.T) {
		st := openTestStore(t)
		client := newStubClient()

		c := &store.Campaign{
			ID: "camp-1", TenantID: "tenant-a", Template: "hi",
			Status:    store.CampaignPending,
			Progress:  store.Progress{Total: 2, Pending: 2},
			CreatedAt: time.Now(),
		}
		jobs := []*store.DeliveryJob{
			{ID: "j1", CampaignID: c.ID, TenantID: c.TenantID, ContactID: "c1",
				Phone: "911111111111@c.us", RenderedMessage: "hi",
				Status: store.JobQueued, ScheduledAt: time.Now()},
			{ID: "j2", CampaignID: c.ID, TenantID: c.TenantID, ContactID: "c2",
				Phone: "912222222222@c.us", RenderedMessage: "hi",
				Status: store.JobQueued, ScheduledAt: time.Now()},
		}
		if err := st.CreateCampaign(ctx, c, jobs); err != nil {
			t.Fatal(err)
		}

		s := NewScheduler(st, &stubSessions{client: client}, testDeliveryConfig(), nil)
		defer s.Close()
		if err := s.Resume(ctx, c.ID, c.TenantID); err != nil {
			t.Fatal(err)
		}

		final := waitTerminal(t, st, c.ID)
		if final.Progress.Sent != 2 {
			t.Errorf("expected both jobs sent, got %+v", final.Progress)
		}
	})
}
