package notify

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("subscriber receives updates", func(t *testing.T) {
		n := NewNotifier(logger)
		ch, unsub := n.Subscribe("tenant-a")
		defer unsub()

		n.Publish(StatusUpdate{TenantID: "tenant-a", State: "connecting"})

		select {
		case upd := <-ch:
			if upd.State != "connecting" {
				t.Errorf("expected state 'connecting', got %s", upd.State)
			}
			if upd.Timestamp.IsZero() {
				t.Error("expected timestamp to be set")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for update")
		}
	})

	t.Run("updates are tenant scoped", func(t *testing.T) {
		n := NewNotifier(logger)
		chA, unsubA := n.Subscribe("tenant-a")
		defer unsubA()
		chB, unsubB := n.Subscribe("tenant-b")
		defer unsubB()

		n.Publish(StatusUpdate{TenantID: "tenant-b", State: "open", IsConnected: true})

		select {
		case upd := <-chB:
			if upd.TenantID != "tenant-b" {
				t.Errorf("expected tenant-b, got %s", upd.TenantID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for tenant-b update")
		}

		select {
		case upd := <-chA:
			t.Errorf("tenant-a should not receive tenant-b updates, got %+v", upd)
		default:
		}
	})

	t.Run("late subscriber receives last update", func(t *testing.T) {
		n := NewNotifier(logger)
		n.Publish(StatusUpdate{TenantID: "tenant-a", State: "pairing", PairingToken: "qr-code"})

		ch, unsub := n.Subscribe("tenant-a")
		defer unsub()

		select {
		case upd := <-ch:
			if upd.PairingToken != "qr-code" {
				t.Errorf("expected replayed pairing token, got %q", upd.PairingToken)
			}
		case <-time.After(time.Second):
			t.Fatal("expected replay of last update")
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		n := NewNotifier(logger)
		ch, unsub := n.Subscribe("tenant-a")
		unsub()

		n.Publish(StatusUpdate{TenantID: "tenant-a", State: "open"})

		if _, ok := <-ch; ok {
			t.Error("expected channel closed after unsubscribe")
		}
	})

	t.Run("forget clears replay state", func(t *testing.T) {
		n := NewNotifier(logger)
		n.Publish(StatusUpdate{TenantID: "tenant-a", State: "open"})
		n.Forget("tenant-a")

		ch, unsub := n.Subscribe("tenant-a")
		defer unsub()

		select {
		case upd := <-ch:
			t.Errorf("expected no replay after Forget, got %+v", upd)
		default:
		}
	})

	t.Run("publish races unsubscribe safely", func(t *testing.T) {
		n := NewNotifier(logger)

		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				default:
					n.Publish(StatusUpdate{TenantID: "tenant-a", State: "open"})
				}
			}
		}()

		// Subscriber churn while updates stream: an unsubscribe must never
		// close a channel a concurrent publish is sending on.
		for i := 0; i < 500; i++ {
			ch, unsub := n.Subscribe("tenant-a")
			select {
			case <-ch:
			default:
			}
			unsub()
		}

		close(stop)
		<-done
	})

	t.Run("slow subscriber does not block publish", func(t *testing.T) {
		n := NewNotifier(logger)
		_, unsub := n.Subscribe("tenant-a")
		defer unsub()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				n.Publish(StatusUpdate{TenantID: "tenant-a", State: "connecting"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("publish blocked on slow subscriber")
		}
	})
}
