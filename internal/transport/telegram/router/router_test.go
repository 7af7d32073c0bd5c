package router

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "shiftbot/internal/transport"
	logx "shiftbot/pkg/logx"
)

type recAdapter struct {
	mu       sync.Mutex
	texts    []string
	answered []string
}

func (a *recAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recAdapter) Stop(context.Context) error                     { return nil }
func (a *recAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return kit.MessageRef{MessageID: len(a.texts)}, nil
}
func (a *recAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (a *recAdapter) SendAlbum(context.Context, kit.ChatTarget, []string, string, *kit.SendOptions) ([]kit.MessageRef, error) {
	return nil, nil
}
func (a *recAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = append(a.answered, text)
	return nil
}
func (a *recAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

type staticRoles struct{ owner, supervisor int64 }

func (r staticRoles) IsOwner(id int64) bool      { return id == r.owner }
func (r staticRoles) IsSupervisor(id int64) bool { return id == r.owner || id == r.supervisor }

func startRouter(t *testing.T, cmds []Command, cbs []CallbackRoute) (*Router, *recAdapter, chan kit.Update) {
	t.Helper()
	ad := &recAdapter{}
	r := New(logx.Nop(), ad, func() Roles { return staticRoles{owner: 1, supervisor: 2} })
	r.SetRegistry(cmds, cbs)
	updates := make(chan kit.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return r.Supervisor() != nil }, time.Second, time.Millisecond)
	return r, ad, updates
}

func textUpdate(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func TestRouteCommandWithArgsAndAlias(t *testing.T) {
	t.Parallel()

	got := make(chan []string, 2)
	_, _, updates := startRouter(t, []Command{{
		Route:   "admin force",
		Aliases: []string{"force"},
		Access:  AccessOwner,
		Handle: func(_ context.Context, req *Request) error {
			got <- req.Args
			return nil
		},
	}}, nil)

	updates <- textUpdate(1, "/admin force 09:30")
	updates <- textUpdate(1, "/force@shiftbot 10:00")

	for _, want := range [][]string{{"09:30"}, {"10:00"}} {
		select {
		case args := <-got:
			require.Equal(t, want, args)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestRouteCommandDeniedForWorker(t *testing.T) {
	t.Parallel()

	called := make(chan struct{}, 1)
	_, ad, updates := startRouter(t, []Command{{
		Route:  "status",
		Access: AccessOwner,
		Handle: func(context.Context, *Request) error { called <- struct{}{}; return nil },
	}}, nil)

	updates <- textUpdate(7, "/status")
	require.Eventually(t, func() bool { return len(ad.sentTexts()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Not allowed.", ad.sentTexts()[0])
	require.Empty(t, called)
}

func TestHooksReceiveTextAndPhotos(t *testing.T) {
	t.Parallel()

	r, _, updates := startRouter(t, nil, nil)
	kinds := make(chan string, 2)
	r.SetHooks(
		func(_ context.Context, req *Request) error { kinds <- "text:" + req.Update.Message.Text; return nil },
		func(_ context.Context, req *Request) error {
			kinds <- "photo:" + req.Update.Message.PhotoID
			return nil
		},
	)

	updates <- textUpdate(5, "broken glass on shelf")
	updates <- kit.Update{Kind: kit.UpdatePhoto, Message: &kit.Message{FromID: 5, PhotoID: "p1"}}

	// Same sender, so order is preserved.
	require.Equal(t, "text:broken glass on shelf", <-kinds)
	require.Equal(t, "photo:p1", <-kinds)
}

func TestRouteCallbackChecksAccess(t *testing.T) {
	t.Parallel()

	payloads := make(chan string, 1)
	_, ad, updates := startRouter(t, nil, []CallbackRoute{{
		Scope:  "review",
		Action: "approve",
		Access: AccessSupervisor,
		Handle: func(_ context.Context, _ *Request, payload string) error {
			payloads <- payload
			return nil
		},
	}})

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "a", FromID: 9, Data: "review:approve:42"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "b", FromID: 2, Data: "review:approve:42"}}

	select {
	case p := <-payloads:
		require.Equal(t, "42", p)
	case <-time.After(time.Second):
		t.Fatal("callback not handled")
	}
	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answered) == 2
	}, time.Second, 5*time.Millisecond)
	ad.mu.Lock()
	require.Contains(t, ad.answered, "Not allowed.")
	ad.mu.Unlock()
}

func TestSplitArgsAndParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		pos   []string
		flags map[string]string
		bools map[string]bool
	}{
		{in: `/special 42 7`, pos: []string{"42", "7"}, flags: map[string]string{}, bools: map[string]bool{}},
		{in: `/import "night list.yaml" --dry-run`, pos: []string{"night list.yaml"}, flags: map[string]string{}, bools: map[string]bool{"dry-run": true}},
		{in: `/x --sector=Dairy -n 3 -1`, pos: []string{"-1"}, flags: map[string]string{"sector": "Dairy", "n": "3"}, bools: map[string]bool{}},
	}
	for _, tt := range tests {
		toks := splitArgs(tt.in)
		pos, flags, bools := parseFlags(toks[1:])
		if !reflect.DeepEqual(pos, tt.pos) || !reflect.DeepEqual(flags, tt.flags) || !reflect.DeepEqual(bools, tt.bools) {
			t.Fatalf("%q: got pos=%v flags=%v bools=%v", tt.in, pos, flags, bools)
		}
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"admin force": "admin_force",
		"My-Task":     "my_task",
		"9lives":      "cmd_9lives",
		"__":          "",
	}
	for in, want := range tests {
		if got := commandName(in); got != want {
			t.Fatalf("commandName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMenuHidesRestrictedCommands(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop(), &recAdapter{}, nil)
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry([]Command{
		{Route: "task", Description: "get a task", Handle: noop},
		{Route: "force", Access: AccessOwner, Handle: noop},
	}, nil)

	var names []string
	for _, c := range r.registry().menu {
		names = append(names, c.Command)
	}
	require.Equal(t, []string{"help", "task"}, names)
}
