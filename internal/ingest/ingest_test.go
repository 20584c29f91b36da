package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecodeJSONSighting(t *testing.T) {
	raw := []byte(`{
		"address": "aa:bb:cc:dd:ee:ff",
		"received_at": "2024-03-04T09:00:00Z",
		"rssi": -61,
		"connectable": true,
		"payload": "4c0012191000",
		"service_uuids": ["FEED"],
		"location": {"latitude": 52.52, "longitude": 13.405, "accuracy": 4.5}
	}`)

	var w WireSighting
	if err := Decode(FormatJSON, raw, &w); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	sg := w.Sighting()
	if sg.Address != "aa:bb:cc:dd:ee:ff" || sg.RSSI != -61 || !sg.Connectable {
		t.Fatalf("sighting = %+v", sg)
	}
	if !bytes.Equal(sg.Payload, []byte{0x4c, 0x00, 0x12, 0x19, 0x10, 0x00}) {
		t.Fatalf("Payload = %x", sg.Payload)
	}
	if sg.Fix == nil || sg.Fix.Latitude != 52.52 || sg.Fix.Accuracy == nil || *sg.Fix.Accuracy != 4.5 {
		t.Fatalf("Fix = %+v", sg.Fix)
	}
	if !sg.Fix.Time.IsZero() {
		t.Fatalf("Fix.Time = %v, want zero when absent", sg.Fix.Time)
	}
}

func TestDecodeRejectsBadPayloadHex(t *testing.T) {
	var w WireSighting
	err := Decode(FormatJSON, []byte(`{"address":"AA","payload":"zz"}`), &w)
	if err == nil {
		t.Fatalf("Decode() error = nil, want hex error")
	}
}

func TestCBORCarriesSameSighting(t *testing.T) {
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	fixAt := at.Add(-time.Second)
	in := WireSighting{
		Address:    "AA:BB",
		ReceivedAt: at,
		RSSI:       -70,
		Payload:    HexBytes{0x4c, 0x00},
		Location:   &WireLocation{Latitude: 1.5, Longitude: 2.5, Time: &fixAt},
	}

	data, err := Encode(FormatCBOR, in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out WireSighting
	if err := Decode(FormatCBOR, data, &out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !out.ReceivedAt.Equal(at) || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("decoded = %+v", out)
	}
	if out.Location == nil || out.Location.Time == nil || !out.Location.Time.Equal(fixAt) {
		t.Fatalf("Location = %+v", out.Location)
	}
}

func TestPoolRunsJobsAndDrainsOnClose(t *testing.T) {
	p := NewPool(3, 16, nil)
	p.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(context.Context) { done.Add(1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	p.Close()

	if got := done.Load(); got != 10 {
		t.Fatalf("done = %d, want 10", got)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Start(context.Background())

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	if err := p.Submit(func(context.Context) { started.Done(); <-release }); err != nil {
		t.Fatalf("Submit(blocking) error = %v", err)
	}
	started.Wait()

	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("Submit(queued) error = %v", err)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit(overflow) error = %v, want ErrQueueFull", err)
	}

	close(release)
	p.Close()
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	p := NewPool(1, 4, nil)
	p.Start(context.Background())

	var ran atomic.Bool
	_ = p.Submit(func(context.Context) { panic("boom") })
	_ = p.Submit(func(context.Context) { ran.Store(true) })
	p.Close()

	if !ran.Load() {
		t.Fatalf("job after a panic did not run")
	}
}
