package remote

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/errorsx"
	"github.com/harunnryd/voxarb/pkg/params"
)

type captureListener struct {
	mu       sync.Mutex
	events   []Event
	fail     error
	partials int
}

func (c *captureListener) OnUtteranceCompleted(id string) error {
	return c.add(Completed(id))
}

func (c *captureListener) OnSpeechResults(p adapters.Payload, id string) error {
	return c.add(Results(id, p))
}

func (c *captureListener) OnError(code errorsx.Code, id string) error {
	return c.add(Failure(id, code))
}

func (c *captureListener) OnPartialResults(p adapters.Payload, id string) error {
	c.mu.Lock()
	c.partials++
	c.mu.Unlock()
	return c.add(Partial(id, p))
}

func (c *captureListener) add(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.fail
}

func (c *captureListener) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

var caller = params.CallerIdentity{Package: "com.example.app", UID: 7}

func TestSecondRegistrationEvictsFirst(t *testing.T) {
	r := NewRegistry(nil)
	first := &captureListener{}
	second := &captureListener{}

	t1 := r.RegisterOrReplace(first, caller, params.ActionSpeakListen, nil)
	t2 := r.RegisterOrReplace(second, caller, params.ActionSpeakListen, nil)
	require.NotEqual(t, t1, t2)

	assert.False(t, r.Dispatch(t1, Completed("a")))
	assert.True(t, r.Dispatch(t2, Completed("b")))

	assert.Empty(t, first.Events())
	require.Len(t, second.Events(), 1)
	assert.Equal(t, "b", second.Events()[0].RequestID)
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, t2, cur)
}

func TestOneShotReleasedAfterCompletion(t *testing.T) {
	r := NewRegistry(nil)
	l := &captureListener{}
	tok := r.RegisterOrReplace(l, caller, params.ActionSpeakOnly, nil)
	require.True(t, r.IsActive())

	assert.True(t, r.Dispatch(tok, Completed("req")))
	assert.False(t, r.IsActive())
	assert.False(t, r.Dispatch(tok, Completed("req")))
	assert.Len(t, l.Events(), 1)
}

func TestSpeakListenRetainedUntilResults(t *testing.T) {
	r := NewRegistry(nil)
	l := &captureListener{}
	tok := r.RegisterOrReplace(l, caller, params.ActionSpeakListen, nil)

	r.Dispatch(tok, Completed("req"))
	assert.True(t, r.IsActive(), "speak-listen stays registered after speech completes")
	r.Dispatch(tok, Partial("req", adapters.Payload{Texts: []string{"hel"}}))
	assert.True(t, r.IsActive())
	r.Dispatch(tok, Results("req", adapters.Payload{Texts: []string{"hello"}}))
	assert.False(t, r.IsActive())

	events := l.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventSpeechResults, events[2].Kind)
	assert.Equal(t, "hello", events[2].Payload.Best())
	assert.Equal(t, 1, l.partials)
}

func TestErrorIsTerminal(t *testing.T) {
	r := NewRegistry(nil)
	l := &captureListener{}
	tok := r.RegisterOrReplace(l, caller, params.ActionSpeakListen, nil)
	r.Dispatch(tok, Failure("req", errorsx.CodeNoMatch))
	assert.False(t, r.IsActive())
	require.Len(t, l.Events(), 1)
	assert.Equal(t, errorsx.CodeNoMatch, l.Events()[0].Code)
}

func TestListenerErrorsAreSwallowed(t *testing.T) {
	r := NewRegistry(nil)
	l := &captureListener{fail: errors.New("broken pipe")}
	tok := r.RegisterOrReplace(l, caller, params.ActionSpeakOnly, nil)
	assert.NotPanics(t, func() {
		r.Dispatch(tok, Completed("req"))
	})
	assert.False(t, r.IsActive())
}

func TestNotifyDoesNotRegister(t *testing.T) {
	r := NewRegistry(nil)
	l := &captureListener{}
	r.Notify(l, Failure("req", errorsx.CodeBusy))
	r.Notify(nil, Failure("req", errorsx.CodeBusy))
	assert.False(t, r.IsActive())
	require.Len(t, l.Events(), 1)
	assert.Equal(t, errorsx.CodeBusy, l.Events()[0].Code)
}

func TestCredentialsFollowLiveRegistration(t *testing.T) {
	r := NewRegistry(nil)
	assert.Nil(t, r.Credentials())
	tok := r.RegisterOrReplace(&captureListener{}, caller, params.ActionSpeakOnly, map[string]string{"api_key": "remote"})
	creds := r.Credentials()
	assert.Equal(t, "remote", creds["api_key"])
	creds["api_key"] = "mutated"
	assert.Equal(t, "remote", r.Credentials()["api_key"])

	r.Unregister(tok)
	assert.Nil(t, r.Credentials())
}

func TestUnregisterListenerMatchesOnlyLiveListener(t *testing.T) {
	r := NewRegistry(nil)
	live, stale := &captureListener{}, &captureListener{}
	tok := r.RegisterOrReplace(live, caller, params.ActionSpeakListen, map[string]string{"api_key": "k"})

	_, ok := r.UnregisterListener(stale)
	assert.False(t, ok)
	assert.True(t, r.IsActive())

	got, ok := r.UnregisterListener(live)
	require.True(t, ok)
	assert.Equal(t, tok, got)
	assert.False(t, r.IsActive())
	assert.Nil(t, r.Credentials())
	assert.False(t, r.Dispatch(tok, Completed("q1")))
	assert.Empty(t, live.Events())

	_, ok = r.UnregisterListener(nil)
	assert.False(t, ok)
}
