package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley-live/parley/pkg/bridge"
	"github.com/parley-live/parley/pkg/control"
	"github.com/parley-live/parley/pkg/provider"
	"github.com/parley-live/parley/pkg/rtc"
)

func newTestSession(t *testing.T, fake *provider.Fake, opts Options) *Session {
	t.Helper()
	opts.Provider = fake
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan bridge.Event) bridge.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bridge.Event{}
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
		return total
	}
	return 0
}

func TestNewRequiresProvider(t *testing.T) {
	is := is.New(t)

	_, err := New(Options{})
	is.True(err != nil)
}

func TestNewRejectsTinyRooms(t *testing.T) {
	is := is.New(t)

	_, err := New(Options{Provider: provider.NewFake(), MaxParticipants: 1})
	is.True(err != nil)
}

func TestStartAcquiresRoomAndMintsCredential(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{RoomPrefix: "parley", RoomPersistence: time.Minute})
	ctx := context.Background()

	rm, cred, err := s.Start(ctx, "User 42", "Ada")
	is.NoErr(err)
	is.Equal(rm.RoomName, "parley-user-42")
	is.True(rm.RoomID != "")
	is.True(!rm.Reused)
	is.True(cred.Token != "")
	is.Equal(cred.UserID, "User 42")
	is.Equal(cred.RoomID, rm.RoomID)
	is.True(cred.Owner)

	// A second start within the persistence window reuses the room but
	// always mints a fresh credential.
	rm2, _, err := s.Start(ctx, "User 42", "Ada")
	is.NoErr(err)
	is.Equal(rm2.RoomID, rm.RoomID)
	is.True(rm2.Reused)
	is.Equal(fake.TokensIssued(), 2)
}

func TestLifecycleGates(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{RoomPersistence: time.Minute})
	ctx := context.Background()

	err := s.Attach(rtc.NewFakeTransport())
	is.True(errors.Is(err, ErrNotStarted))

	err = s.Send(ctx, "hi", control.RoleSystem, control.ModeQueued)
	is.True(errors.Is(err, ErrNotAttached))

	err = s.Leave(ctx)
	is.True(errors.Is(err, ErrNotAttached))

	_, _, err = s.Start(ctx, "user-1", "Ada")
	is.NoErr(err)

	ft := rtc.NewFakeTransport()
	is.NoErr(s.Attach(ft))

	err = s.Attach(rtc.NewFakeTransport())
	is.True(errors.Is(err, ErrAttached))

	_, _, err = s.Start(ctx, "user-1", "Ada")
	is.True(errors.Is(err, ErrAttached))

	is.NoErr(s.Close(ctx))

	_, _, err = s.Start(ctx, "user-1", "Ada")
	is.True(errors.Is(err, ErrClosed))
	is.True(errors.Is(s.Attach(rtc.NewFakeTransport()), ErrClosed))
	is.True(errors.Is(s.Send(ctx, "hi", control.RoleSystem, control.ModeQueued), ErrClosed))
	is.True(errors.Is(s.Leave(ctx), ErrClosed))

	// Close is idempotent.
	is.NoErr(s.Close(ctx))
}

func TestEventFlowEndToEnd(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{
		PersonaName:     "Parley",
		RoomPersistence: time.Minute,
	})
	ctx := context.Background()

	rm, _, err := s.Start(ctx, "user-1", "Ada")
	is.NoErr(err)

	ft := rtc.NewFakeTransport()
	is.NoErr(s.Attach(ft))

	transcripts := make(chan bridge.Event, 8)
	defer s.Subscribe(bridge.KindTranscript, func(ev bridge.Event) { transcripts <- ev })()
	messages := make(chan bridge.Event, 8)
	defer s.Subscribe(bridge.KindMessage, func(ev bridge.Event) { messages <- ev })()

	ft.Emit(rtc.NewRawEvent(rtc.EventJoined))
	ft.Emit(rtc.NewRawEvent(rtc.EventParticipantJoined).WithParticipant(rtc.ParticipantSnapshot{
		ParticipantID: "PA_agent",
		DisplayName:   "Parley",
	}))
	ft.Emit(rtc.NewRawEvent(rtc.EventTranscription).
		WithParticipant(rtc.ParticipantSnapshot{ParticipantID: "PA_agent", DisplayName: "Parley"}).
		WithPayload([]byte(`{"text":"hello there","final":true}`)))

	ev := waitEvent(t, transcripts)
	is.Equal(ev.Transcript.Source, bridge.SourceAgent)
	is.Equal(ev.Transcript.Text, "hello there")
	is.True(ev.Transcript.Final)

	agent, ok := s.Agent()
	is.True(ok)
	is.Equal(agent.ParticipantID, "PA_agent")
	is.True(agent.IsAgent)

	ft.Emit(rtc.NewRawEvent(rtc.EventAppMessage).
		WithPayload([]byte(`{"type":"app-event","seq":3,"ts":1700000000000,"data":{"kind":"note"}}`)))
	msg := waitEvent(t, messages)
	is.Equal(msg.Seq, uint64(3))

	// Outbound control messages ride the transport data channel with the
	// session's sender identity.
	is.NoErr(s.Send(ctx, "say hi", control.RoleSystem, control.ModeImmediate))
	sent := ft.Sent()
	is.Equal(len(sent), 1)
	var cm control.Message
	is.NoErr(json.Unmarshal(sent[0], &cm))
	is.Equal(cm.Type, control.MessageType)
	is.Equal(cm.SessionID, rm.RoomID)
	is.Equal(cm.SenderID, "user-1")
	is.Equal(cm.SenderName, "Ada")
	is.Equal(cm.Prompt, "say hi")
}

func TestLeaveKeepsRoomReusableForReconnect(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{
		RoomPersistence: 0,
		ReconnectWindow: time.Minute,
	})
	ctx := context.Background()

	rm1, _, err := s.Start(ctx, "user-1", "Ada")
	is.NoErr(err)
	ft := rtc.NewFakeTransport()
	is.NoErr(s.Attach(ft))

	is.NoErr(s.Leave(ctx))

	// The transport was closed by Leave.
	err = ft.SendData(ctx, []byte("x"))
	is.True(errors.Is(err, rtc.ErrNotConnected))

	// A quick rejoin lands in the same room even though persistence is off.
	rm2, _, err := s.Start(ctx, "user-1", "Ada")
	is.NoErr(err)
	is.Equal(rm2.RoomID, rm1.RoomID)
	is.True(rm2.Reused)

	is.NoErr(s.Attach(rtc.NewFakeTransport()))
}

func TestCloseDeletesRoomWithoutPersistence(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{})
	ctx := context.Background()

	rm, _, err := s.Start(ctx, "user-9", "Ada")
	is.NoErr(err)

	is.NoErr(s.Close(ctx))
	deleted := fake.Deleted()
	is.Equal(len(deleted), 1)
	is.Equal(deleted[0], rm.RoomName)
	is.Equal(fake.RoomCount(), 0)
}

func TestCloseKeepsPersistedRoom(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	s := newTestSession(t, fake, Options{RoomPersistence: time.Minute})
	ctx := context.Background()

	_, _, err := s.Start(ctx, "user-9", "Ada")
	is.NoErr(err)

	is.NoErr(s.Close(ctx))
	is.Equal(len(fake.Deleted()), 0)
	is.Equal(fake.RoomCount(), 1)
}

func TestMetricsCountSessionActivity(t *testing.T) {
	is := is.New(t)
	fake := provider.NewFake()
	reg := prometheus.NewRegistry()
	s := newTestSession(t, fake, Options{
		RoomPersistence: time.Minute,
		Registerer:      reg,
	})
	ctx := context.Background()

	_, _, err := s.Start(ctx, "user-1", "Ada")
	is.NoErr(err)

	ft := rtc.NewFakeTransport()
	is.NoErr(s.Attach(ft))

	messages := make(chan bridge.Event, 4)
	defer s.Subscribe(bridge.KindMessage, func(ev bridge.Event) { messages <- ev })()

	ft.Emit(rtc.NewRawEvent(rtc.EventJoined))
	ft.Emit(rtc.NewRawEvent(rtc.EventAppMessage).
		WithPayload([]byte(`{"type":"app-event","seq":1,"ts":5,"data":{}}`)))
	waitEvent(t, messages)

	is.Equal(metricValue(t, reg, "parley_rooms_created_total"), 1.0)
	is.Equal(metricValue(t, reg, "parley_tokens_issued_total"), 1.0)
	is.True(metricValue(t, reg, "parley_app_events_total") >= 1.0)
}
