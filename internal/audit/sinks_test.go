package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherAppend(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "sntacc.audit"}

	entry := Entry{
		ID:        "01HX",
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Event:     Event{ActorID: "acc-1", Action: ActionDelete, EntityType: "payment", EntityID: "17"},
	}
	if err := p.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "sntacc.audit" || string(msg.Key) != "payment:17" {
		t.Fatalf("unexpected topic/key: %s %s", msg.Topic, msg.Key)
	}
	var decoded Entry
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded.ID != "01HX" || decoded.Action != ActionDelete {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestLogSinkEmitsAuditLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := LogSink{Logger: zap.New(core)}
	err := sink.Append(context.Background(), Entry{
		ID:        "01",
		RequestID: "req-9",
		Event:     Event{ActorID: "user-42", Action: ActionLogin, Extra: map[string]any{"foo": "bar"}},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	all := logs.All()
	if len(all) != 1 {
		t.Fatalf("expected one log line, got %d", len(all))
	}
	fields := all[0].ContextMap()
	if fields["type"] != "audit" || fields["event"] != "login" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["request_id"] != "req-9" || fields["user_id"] != "user-42" {
		t.Fatalf("missing request/user: %v", fields)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (s *blockingSink) Append(_ context.Context, e Entry) error {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, e.ID)
	s.mu.Unlock()
	return nil
}

func TestDispatcherDropsWhenFullAndDrainsOnClose(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher("kafka", sink, 1, zap.NewNop())

	for _, id := range []string{"1", "2", "3"} {
		if err := d.Append(context.Background(), Entry{ID: id}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if d.Dropped() == 0 {
		t.Fatal("expected at least one dropped entry")
	}

	close(sink.release)
	d.Close()

	sink.mu.Lock()
	delivered := len(sink.got)
	sink.mu.Unlock()
	if delivered+int(d.Dropped()) != 3 {
		t.Fatalf("delivered %d + dropped %d != 3", delivered, d.Dropped())
	}

	if err := d.Append(context.Background(), Entry{ID: "4"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed after close, got %v", err)
	}
	d.Close()
}

type countingSink struct {
	mu  sync.Mutex
	got int
}

func (s *countingSink) Append(context.Context, Entry) error {
	s.mu.Lock()
	s.got++
	s.mu.Unlock()
	return nil
}

func TestDispatcherAccountsForEveryEntryAcrossClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher("kafka", sink, 8, zap.NewNop())

	const writers, perWriter = 8, 200
	var (
		wg      sync.WaitGroup
		refused atomic.Int64
	)
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				if err := d.Append(context.Background(), Entry{ID: "e"}); errors.Is(err, ErrDispatcherClosed) {
					refused.Add(1)
				}
			}
		}()
	}
	close(start)
	d.Close()
	wg.Wait()

	sink.mu.Lock()
	delivered := sink.got
	sink.mu.Unlock()
	total := delivered + int(d.Dropped()) + int(refused.Load())
	if total != writers*perWriter {
		t.Fatalf("delivered %d + dropped %d + refused %d != %d", delivered, d.Dropped(), refused.Load(), writers*perWriter)
	}
}

type errSink struct{}

func (errSink) Append(context.Context, Entry) error { return errors.New("broker unavailable") }

func TestDispatcherLogsForwardErrors(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewDispatcher("kafka", errSink{}, 4, zap.New(core))
	_ = d.Append(context.Background(), Entry{ID: "x"})
	d.Close()
	if logs.FilterMessage("audit forward failed").Len() != 1 {
		t.Fatalf("expected forward failure to be logged")
	}
}
