package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/realtime"
)

type fakeSignaling struct {
	mu          sync.Mutex
	startCalls  int
	acceptCalls int
	rejectCalls int
	endCalls    int
	tokenCalls  int

	startErr  error
	acceptErr error
	tokenErr  error

	startResult StartCallResult
	creds       MediaCredentials
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		startResult: StartCallResult{SessionID: "abc"},
		creds:       MediaCredentials{Token: "T", ServerURL: "wss://x"},
	}
}

func (f *fakeSignaling) StartCall(ctx context.Context, conversationID string) (*StartCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	res := f.startResult
	return &res, nil
}

func (f *fakeSignaling) AcceptCall(ctx context.Context, sessionID string) (*MediaCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptCalls++
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	creds := f.creds
	return &creds, nil
}

func (f *fakeSignaling) RejectCall(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCalls++
	return nil
}

func (f *fakeSignaling) EndCall(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return nil
}

func (f *fakeSignaling) FetchToken(ctx context.Context, sessionID string) (*MediaCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	creds := f.creds
	return &creds, nil
}

func (f *fakeSignaling) counts() (start, accept, reject, end, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.acceptCalls, f.rejectCalls, f.endCalls, f.tokenCalls
}

func newTestMachine(api SignalingClient, ringTimeout time.Duration) *Machine {
	return NewMachine(api, MachineConfig{RingTimeout: ringTimeout}, nil, nil)
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, stuck at %v", want, m.State())
}

func TestStartOutgoing(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{Name: "Bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess, ok := m.Session()
	if !ok {
		t.Fatal("no session after Start")
	}
	if sess.State != StateRingingOutgoing {
		t.Errorf("state = %v, want ringing_outgoing", sess.State)
	}
	if sess.ID != "abc" {
		t.Errorf("session id = %q, want abc", sess.ID)
	}
	if sess.Credentials != nil {
		t.Error("credentials exposed before connecting state")
	}
	if start, _, _, _, _ := api.counts(); start != 1 {
		t.Errorf("start requests = %d, want exactly 1", start)
	}
}

func TestStartRejectedWhileBusy(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background(), "43", Peer{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	if start, _, _, _, _ := api.counts(); start != 1 {
		t.Errorf("start requests = %d, second initiation must have no side effects", start)
	}
}

func TestOutgoingHappyPath(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{Name: "Bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.HandleAccepted("abc")
	sess, _ := m.Session()
	if sess.State != StateActive {
		t.Fatalf("state after accept = %v, want active", sess.State)
	}
	if sess.Credentials == nil || sess.Credentials.Token != "T" || sess.Credentials.ServerURL != "wss://x" {
		t.Fatalf("credentials = %+v, want token T at wss://x", sess.Credentials)
	}
	if _, _, _, _, token := api.counts(); token != 1 {
		t.Errorf("token fetches = %d, want 1", token)
	}

	m.HandleEnded("abc")
	if got := m.State(); got != StateEnded {
		t.Fatalf("state after remote hangup = %v, want ended", got)
	}
}

func TestRejectedEventMatchesSession(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Event for a different identifier is a no-op.
	m.HandleRejected("expired")
	if got := m.State(); got != StateRingingOutgoing {
		t.Fatalf("state after stale reject = %v, want ringing_outgoing", got)
	}

	m.HandleRejected("abc")
	if got := m.State(); got != StateRejected {
		t.Fatalf("state = %v, want rejected", got)
	}

	// A terminal session must not be resurrected.
	m.HandleAccepted("abc")
	if got := m.State(); got != StateRejected {
		t.Fatalf("terminal session resurrected into %v", got)
	}
}

func TestRingTimeoutCancelsOutgoing(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, 20*time.Millisecond)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, m, StateCancelled)

	if _, _, _, end, _ := api.counts(); end != 1 {
		t.Errorf("end requests = %d, want exactly 1", end)
	}
	// The cleared timer must not fire again.
	time.Sleep(60 * time.Millisecond)
	if _, _, _, end, _ := api.counts(); end != 1 {
		t.Errorf("end requests grew to %d after teardown", end)
	}
}

func TestIncomingAutoTimeout(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, 20*time.Millisecond)
	defer m.Close()

	m.HandleIncomingCall(realtime.IncomingCallPayload{
		SessionID:      "xyz",
		CallerName:     "Alice",
		ConversationID: "7",
	})
	sess, ok := m.Session()
	if !ok || sess.State != StateRingingIncoming {
		t.Fatalf("state = %v, want ringing_incoming", sess.State)
	}
	if sess.Peer.Name != "Alice" {
		t.Errorf("peer name = %q, want Alice", sess.Peer.Name)
	}

	waitForState(t, m, StateRejected)
	if _, _, reject, _, _ := api.counts(); reject != 1 {
		t.Errorf("reject requests = %d, want exactly 1", reject)
	}
}

func TestIncomingAccept(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	m.HandleIncomingCall(realtime.IncomingCallPayload{SessionID: "xyz", CallerName: "Alice"})
	if err := m.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	sess, _ := m.Session()
	if sess.State != StateActive {
		t.Fatalf("state = %v, want active", sess.State)
	}
	if sess.Credentials == nil || sess.Credentials.Token != "T" {
		t.Fatalf("credentials = %+v", sess.Credentials)
	}
	if sess.RingDuration <= 0 {
		t.Error("ring duration not recorded")
	}
}

func TestIncomingRejectLocally(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	m.HandleIncomingCall(realtime.IncomingCallPayload{SessionID: "xyz"})
	if err := m.Reject(context.Background()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := m.State(); got != StateRejected {
		t.Fatalf("state = %v, want rejected", got)
	}
	if _, _, reject, _, _ := api.counts(); reject != 1 {
		t.Errorf("reject requests = %d, want 1", reject)
	}
}

func TestTokenFetchFailureAndRetry(t *testing.T) {
	api := newFakeSignaling()
	api.tokenErr = realtime.ErrServer("token endpoint down", nil)
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.HandleAccepted("abc")

	sess, _ := m.Session()
	if sess.State != StateFailed {
		t.Fatalf("state = %v, want failed", sess.State)
	}
	if sess.Err == nil {
		t.Fatal("failed session retains no error for display")
	}

	// Retry re-invokes the initiating action: a fresh outgoing start.
	api.mu.Lock()
	api.tokenErr = nil
	api.mu.Unlock()
	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := m.State(); got != StateRingingOutgoing {
		t.Fatalf("state after retry = %v, want ringing_outgoing", got)
	}
	if start, _, _, _, _ := api.counts(); start != 2 {
		t.Errorf("start requests = %d, want 2 after retry", start)
	}
}

func TestDisconnectFailsSession(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.HandleDisconnect()

	sess, _ := m.Session()
	if sess.State != StateFailed {
		t.Fatalf("state = %v, want failed", sess.State)
	}
	if sess.Err == nil {
		t.Fatal("connection-lost error not surfaced")
	}

	// Disconnect against a terminal session is a no-op.
	m.HandleDisconnect()
	if got := m.State(); got != StateFailed {
		t.Fatalf("state = %v after second disconnect", got)
	}
}

func TestEarlyCredentialsSkipTokenFetch(t *testing.T) {
	api := newFakeSignaling()
	api.startResult = StartCallResult{SessionID: "abc", MediaToken: "early", MediaServerURL: "wss://y"}
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess, _ := m.Session()
	if sess.Credentials != nil {
		t.Fatal("credentials exposed while still ringing")
	}

	m.HandleAccepted("abc")
	sess, _ = m.Session()
	if sess.State != StateActive {
		t.Fatalf("state = %v, want active", sess.State)
	}
	if sess.Credentials == nil || sess.Credentials.Token != "early" {
		t.Fatalf("credentials = %+v, want early token", sess.Credentials)
	}
	if _, _, _, _, token := api.counts(); token != 0 {
		t.Errorf("token fetches = %d, want 0 when start returned credentials", token)
	}
}

func TestDismissAllowsNewSession(t *testing.T) {
	api := newFakeSignaling()
	m := newTestMachine(api, time.Minute)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.HandleRejected("abc")
	m.Dismiss()

	if _, ok := m.Session(); ok {
		t.Fatal("session survived Dismiss")
	}
	if err := m.Start(context.Background(), "43", Peer{}); err != nil {
		t.Fatalf("Start after Dismiss: %v", err)
	}
}

func TestSnapshotObserver(t *testing.T) {
	api := newFakeSignaling()
	var mu sync.Mutex
	var states []State
	m := NewMachine(api, MachineConfig{
		RingTimeout: time.Minute,
		OnChange: func(s Session) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		},
	}, nil, nil)
	defer m.Close()

	if err := m.Start(context.Background(), "42", Peer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.HandleAccepted("abc")
	m.HandleEnded("abc")

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRingingOutgoing, StateRingingOutgoing, StateConnecting, StateActive, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("observed states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("observed states = %v, want %v", states, want)
		}
	}
}
