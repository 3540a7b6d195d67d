package relay

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/outbox/registry"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) *registry.TopicRegistry {
	t.Helper()
	reg, err := registry.NewTopicRegistry("order-events", nil)
	if err != nil {
		t.Fatalf("NewTopicRegistry: %v", err)
	}
	return reg
}

func newTestRelay(t *testing.T, store outboxStore, transport Transport, cfg config.OutboxConfig, mutate ...func(*Params)) *Relay {
	t.Helper()
	params := Params{
		Config:    cfg,
		Logger:    logger.Nop(),
		Store:     store,
		Transport: transport,
		Router:    newTestRouter(t),
	}
	for _, fn := range mutate {
		fn(&params)
	}
	r, err := New(params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewValidatesParams(t *testing.T) {
	router := newTestRouter(t)
	cases := map[string]Params{
		"logger":    {Store: newFakeStore(), Transport: &recordingTransport{}, Router: router},
		"store":     {Logger: logger.Nop(), Transport: &recordingTransport{}, Router: router},
		"transport": {Logger: logger.Nop(), Store: newFakeStore(), Router: router},
		"router":    {Logger: logger.Nop(), Store: newFakeStore(), Transport: &recordingTransport{}},
		"attempts":  {Logger: logger.Nop(), Store: newFakeStore(), Transport: &recordingTransport{}, Router: router, Config: config.OutboxConfig{MaxAttempts: -1}},
	}
	for name, params := range cases {
		if _, err := New(params); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := newTestRelay(t, newFakeStore(), &recordingTransport{}, config.OutboxConfig{})
	if r.batchLimit != defaultBatchLimit || r.pollInterval != defaultPollInterval || r.sendTimeout != defaultSendTimeout {
		t.Fatalf("unexpected defaults batch=%d poll=%v send=%v", r.batchLimit, r.pollInterval, r.sendTimeout)
	}
}

func TestTickSendsInOrderKeyedByAggregate(t *testing.T) {
	store := newFakeStore()
	a := store.add("order-1", base)
	b := store.add("order-2", base.Add(time.Second))
	c := store.add("order-1", base.Add(2*time.Second))
	transport := &recordingTransport{}
	r := newTestRelay(t, store, transport, config.OutboxConfig{BatchLimit: 10})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Fetched != 3 || result.Published != 3 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := transport.keys(); !reflect.DeepEqual(got, []string{"order-1", "order-2", "order-1"}) {
		t.Fatalf("unexpected send order %v", got)
	}
	for i, id := range []int64{a, b, c} {
		if transport.sent[i].RecordID != id {
			t.Fatalf("send %d: expected record %d, got %d", i, id, transport.sent[i].RecordID)
		}
		if transport.sent[i].Topic != "order-events" {
			t.Fatalf("send %d: unexpected topic %q", i, transport.sent[i].Topic)
		}
		if !store.get(id).Published {
			t.Fatalf("record %d not published", id)
		}
	}
}

func TestTickIsolatesPoisonRecord(t *testing.T) {
	store := newFakeStore()
	var healthy []int64
	healthy = append(healthy, store.add("order-1", base))
	poison := store.add("poison", base.Add(time.Second))
	for i := 2; i < 6; i++ {
		healthy = append(healthy, store.add("order-ok", base.Add(time.Duration(i)*time.Second)))
	}
	transport := &recordingTransport{fail: func(msg Message) error {
		if msg.Key == "poison" {
			return errors.New("malformed payload")
		}
		return nil
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{BatchLimit: 10})

	for tick := 0; tick < 3; tick++ {
		if _, err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", tick, err)
		}
	}

	for _, id := range healthy {
		if !store.get(id).Published {
			t.Fatalf("healthy record %d should be published", id)
		}
	}
	got := store.get(poison)
	if got.Published {
		t.Fatal("poison record must stay unpublished")
	}
	if got.PublishAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.PublishAttempts)
	}
	if len(transport.sent) != len(healthy) {
		t.Fatalf("healthy records must be sent once each, got %d sends", len(transport.sent))
	}
}

func TestTickStoreFailureIsNoop(t *testing.T) {
	store := newFakeStore()
	store.add("order-1", base)
	store.fetchErr = errStoreDown
	transport := &recordingTransport{}
	r := newTestRelay(t, store, transport, config.OutboxConfig{})

	result, err := r.Tick(context.Background())
	if !pkgerrors.IsCode(err, pkgerrors.CodeStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if result != (TickResult{}) {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if len(transport.sent) != 0 {
		t.Fatal("nothing should be sent when fetch fails")
	}

	store.fetchErr = nil
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("recovered Tick: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("expected record to be sent after recovery, got %d", len(transport.sent))
	}
}

func TestTickMarkFailureLeavesRecordForRedelivery(t *testing.T) {
	store := newFakeStore()
	id := store.add("order-1", base)
	store.markErr = errors.New("write timeout")
	transport := &recordingTransport{}
	r := newTestRelay(t, store, transport, config.OutboxConfig{})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.MarkFailures != 1 || result.Published != 0 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if store.get(id).PublishAttempts != 0 {
		t.Fatal("a mark failure is not a send failure")
	}

	store.markErr = nil
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(transport.sent) != 2 {
		t.Fatalf("expected redelivery, got %d sends", len(transport.sent))
	}
	if !store.get(id).Published {
		t.Fatal("expected record to be published on the second tick")
	}
}

func TestTickIncrementFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.add("order-1", base)
	second := store.add("order-2", base.Add(time.Second))
	store.incErr = errors.New("deadlock detected")
	transport := &recordingTransport{fail: func(msg Message) error {
		if msg.Key == "order-1" {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Failed != 1 || result.Published != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !store.get(second).Published {
		t.Fatal("second record should still be published")
	}
}

func TestTickSendTimeoutCountsAsFailure(t *testing.T) {
	store := newFakeStore()
	id := store.add("order-1", base)
	transport := &blockingTransport{release: make(chan struct{})}
	t.Cleanup(func() { close(transport.release) })
	r := newTestRelay(t, store, transport, config.OutboxConfig{SendTimeout: 20 * time.Millisecond})

	started := time.Now()
	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("tick stalled on a hung transport for %v", elapsed)
	}
	if result.Failed != 1 {
		t.Fatalf("expected send failure, got %+v", result)
	}
	if got := store.get(id); got.Published || got.PublishAttempts != 1 {
		t.Fatalf("unexpected record state %+v", got)
	}
}

func TestTickDeadlineDefersRestOfBatch(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.add("order-1", base.Add(time.Duration(i)*time.Second))
	}
	transport := &recordingTransport{}
	clock := &tickClock{now: base, step: time.Second}
	r := newTestRelay(t, store, transport, config.OutboxConfig{TickDeadline: 2500 * time.Millisecond}, func(p *Params) {
		p.Clock = clock.Now
	})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Published != 3 || result.Remaining != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	clock.mu.Lock()
	clock.now = base
	clock.mu.Unlock()
	result, err = r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Published != 2 || result.Remaining != 0 {
		t.Fatalf("unexpected second result %+v", result)
	}
}

func TestTickDeadLettersAtThreshold(t *testing.T) {
	store := newFakeStore()
	id := store.add("order-1", base)
	transport := &recordingTransport{fail: func(msg Message) error {
		if msg.Key == "order-1" {
			return errors.New("rejected")
		}
		return nil
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{MaxAttempts: 2})

	// A healthy record in each batch shows the transport itself is up.
	store.add("order-ok", base.Add(time.Second))
	first, _ := r.Tick(context.Background())
	if first.DeadLettered != 0 {
		t.Fatalf("dead-lettered too early: %+v", first)
	}
	store.add("order-ok", base.Add(2*time.Second))
	second, _ := r.Tick(context.Background())
	if second.DeadLettered != 1 {
		t.Fatalf("expected dead letter on second failure: %+v", second)
	}
	if reason := store.deadLetters[id]; reason != enums.DeadLetterReasonMaxAttempts {
		t.Fatalf("unexpected reason %q", reason)
	}
	if store.get(id).Published {
		t.Fatal("dead-lettered records stay unpublished")
	}
	third, _ := r.Tick(context.Background())
	if third.Fetched != 0 {
		t.Fatalf("dead-lettered record must not be fetched again: %+v", third)
	}
}

func TestTickTransportOutageNeverDeadLetters(t *testing.T) {
	store := newFakeStore()
	first := store.add("order-1", base)
	second := store.add("order-2", base.Add(time.Second))
	transport := &recordingTransport{fail: func(Message) error { return errors.New("connection refused") }}
	r := newTestRelay(t, store, transport, config.OutboxConfig{MaxAttempts: 2})

	for i := 0; i < 5; i++ {
		result, err := r.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if result.DeadLettered != 0 {
			t.Fatalf("outage must not dead-letter: %+v", result)
		}
	}
	if got := store.get(first).PublishAttempts; got != 5 {
		t.Fatalf("attempts still count during an outage, got %d", got)
	}

	transport.setFail(nil)
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !store.get(first).Published || !store.get(second).Published {
		t.Fatal("records must be delivered once the transport recovers")
	}
	if len(store.deadLetters) != 0 {
		t.Fatalf("unexpected dead letters %v", store.deadLetters)
	}
}

func TestTickNonRetryableDeadLettersImmediately(t *testing.T) {
	store := newFakeStore()
	id := store.add("order-1", base)
	transport := &recordingTransport{fail: func(Message) error {
		return registry.NewNonRetryableError(errors.New("schema rejected"))
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{MaxAttempts: 10})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("expected immediate dead letter, got %+v", result)
	}
	if store.deadLetters[id] != enums.DeadLetterReasonNonRetryable {
		t.Fatalf("unexpected reason %q", store.deadLetters[id])
	}
}

func TestTickZeroMaxAttemptsRetriesForever(t *testing.T) {
	store := newFakeStore()
	id := store.add("order-1", base)
	transport := &recordingTransport{fail: func(Message) error {
		return registry.NewNonRetryableError(errors.New("schema rejected"))
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{MaxAttempts: 0})

	for i := 0; i < 5; i++ {
		if _, err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if len(store.deadLetters) != 0 {
		t.Fatal("dead-lettering must be disabled")
	}
	if got := store.get(id).PublishAttempts; got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}
}

func TestTickUnroutableRecordIsDeadLettered(t *testing.T) {
	store := newFakeStore()
	id := store.add("", base)
	transport := &recordingTransport{}
	r := newTestRelay(t, store, transport, config.OutboxConfig{MaxAttempts: 3})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.DeadLettered != 1 || len(transport.sent) != 0 {
		t.Fatalf("unexpected result %+v sends=%d", result, len(transport.sent))
	}
	if store.deadLetters[id] != enums.DeadLetterReasonNonRetryable {
		t.Fatalf("unexpected reason %q", store.deadLetters[id])
	}
}

func TestTickSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	store := newFakeStore()
	store.add("order-1", base)
	lease := &fakeLease{acquire: false}
	r := newTestRelay(t, store, &recordingTransport{}, config.OutboxConfig{}, func(p *Params) {
		p.Lease = lease
	})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !result.LeaseSkipped {
		t.Fatal("expected lease skip")
	}
	if store.fetchCalls != 0 {
		t.Fatal("store must not be read without the lease")
	}
	if lease.released != 0 {
		t.Fatal("an unacquired lease must not be released")
	}
}

func TestTickReleasesAcquiredLease(t *testing.T) {
	store := newFakeStore()
	store.add("order-1", base)
	lease := &fakeLease{acquire: true}
	r := newTestRelay(t, store, &recordingTransport{}, config.OutboxConfig{}, func(p *Params) {
		p.Lease = lease
	})

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Published != 1 || lease.acquired != 1 || lease.released != 1 {
		t.Fatalf("unexpected lease usage %+v acquired=%d released=%d", result, lease.acquired, lease.released)
	}
}

func TestTickLeaseErrorSkipsTick(t *testing.T) {
	store := newFakeStore()
	lease := &fakeLease{acquireErr: errors.New("redis down")}
	r := newTestRelay(t, store, &recordingTransport{}, config.OutboxConfig{}, func(p *Params) {
		p.Lease = lease
	})

	_, err := r.Tick(context.Background())
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if store.fetchCalls != 0 {
		t.Fatal("store must not be read without the lease")
	}
}

func TestTickRecordsMetrics(t *testing.T) {
	store := newFakeStore()
	store.add("order-1", base)
	store.add("poison", base.Add(time.Second))
	reg := prometheus.NewRegistry()
	transport := &recordingTransport{fail: func(msg Message) error {
		if msg.Key == "poison" {
			return errors.New("rejected")
		}
		return nil
	}}
	r := newTestRelay(t, store, transport, config.OutboxConfig{}, func(p *Params) {
		p.Metrics = metrics.NewRelayMetrics(reg)
	})

	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	if values["outbox_published_total"] != 1 {
		t.Fatalf("unexpected published count %v", values["outbox_published_total"])
	}
	if values["outbox_send_failures_total"] != 1 {
		t.Fatalf("unexpected failure count %v", values["outbox_send_failures_total"])
	}
	if values["outbox_pending_records"] != 1 {
		t.Fatalf("unexpected pending gauge %v", values["outbox_pending_records"])
	}
}

func TestRunWakesAndStops(t *testing.T) {
	store := newFakeStore()
	transport := &recordingTransport{onSend: make(chan Message, 4)}
	r := newTestRelay(t, store, transport, config.OutboxConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	store.add("order-1", base)
	r.Wake()

	select {
	case msg := <-transport.onSend:
		if msg.Key != "order-1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger a tick")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunDrainsFullBatchesWithoutWaiting(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.add("order-1", base.Add(time.Duration(i)*time.Second))
	}
	transport := &recordingTransport{onSend: make(chan Message, 5)}
	r := newTestRelay(t, store, transport, config.OutboxConfig{PollInterval: time.Hour, BatchLimit: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for i := 0; i < 5; i++ {
		select {
		case <-transport.onSend:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d records drained", i)
		}
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(0, time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("unexpected backoff %v", got)
	}
	if got := nextBackoff(8*time.Second, time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected cap, got %v", got)
	}
	if got := withJitter(time.Second); got < time.Second || got >= time.Second+jitterWindow {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestWithJitterFromConcurrentRelays(t *testing.T) {
	const relays = 8
	out := make(chan time.Duration, relays*100)
	done := make(chan struct{})
	for i := 0; i < relays; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				out <- withJitter(time.Second)
			}
		}()
	}
	for i := 0; i < relays; i++ {
		<-done
	}
	close(out)
	for got := range out {
		if got < time.Second || got >= time.Second+jitterWindow {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if got := withJitter(0); got != 0 {
		t.Fatalf("expected no jitter on zero delay, got %v", got)
	}
}
