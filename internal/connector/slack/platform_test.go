package slackconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/slack-go/slack"

	"github.com/ca-study-space/cssbot/internal/platform"
)

// fakeAPI answers Slack Web API methods from canned handlers and records
// the form values of every call.
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string][]map[string]string
	handlers map[string]func(form map[string]string) any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Platform) {
	t.Helper()
	f := &fakeAPI{calls: map[string][]map[string]string{}, handlers: map[string]func(map[string]string) any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		method := r.URL.Path[1:]
		f.mu.Lock()
		f.calls[method] = append(f.calls[method], form)
		h := f.handlers[method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if h == nil {
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
			return
		}
		json.NewEncoder(w).Encode(h(form))
	}))
	t.Cleanup(srv.Close)

	api := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	return f, NewPlatform(api, "UBOT", nil)
}

func (f *fakeAPI) on(method string, h func(form map[string]string) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeAPI) called(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func slackError(code string) func(map[string]string) any {
	return func(map[string]string) any { return map[string]any{"ok": false, "error": code} }
}

func TestSendAndEdit(t *testing.T) {
	f, p := newFakeAPI(t)
	ctx := context.Background()
	f.on("chat.postMessage", func(form map[string]string) any {
		return map[string]any{"ok": true, "channel": form["channel"], "ts": "1700.0001"}
	})

	ref, err := p.Send(ctx, "C1", platform.Message{Title: "Hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref != "C1:1700.0001" {
		t.Errorf("ref = %q", ref)
	}

	if err := p.Edit(ctx, ref, platform.Message{Title: "Updated"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	upd := f.called("chat.update")
	if len(upd) != 1 || upd[0]["channel"] != "C1" || upd[0]["ts"] != "1700.0001" {
		t.Errorf("unexpected update call %+v", upd)
	}

	f.on("chat.update", slackError("message_not_found"))
	if err := p.Edit(ctx, ref, platform.Message{}); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReact_AlreadyReacted(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("reactions.add", slackError("already_reacted"))
	if err := p.React(context.Background(), "C1:1.2", "✅"); err != nil {
		t.Fatalf("react: %v", err)
	}
	if got := f.called("reactions.add")[0]["name"]; got != "white_check_mark" {
		t.Errorf("reaction name = %q", got)
	}
}

func TestDirectMessage_Unreachable(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("conversations.open", slackError("cannot_dm_bot"))
	err := p.DirectMessage(context.Background(), "UB2", platform.Message{Title: "hi"})
	if !errors.Is(err, platform.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestFindChannel_Paginates(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("conversations.list", func(form map[string]string) any {
		if form["cursor"] == "" {
			return map[string]any{
				"ok":                true,
				"channels":          []map[string]any{{"id": "C1", "name": "general"}},
				"response_metadata": map[string]any{"next_cursor": "page2"},
			}
		}
		return map[string]any{
			"ok":       true,
			"channels": []map[string]any{{"id": "C9", "name": "sg_alpha"}},
		}
	})

	ref, err := p.FindChannel(context.Background(), "SG_Alpha")
	if err != nil || ref != "C9" {
		t.Fatalf("find = %q, %v", ref, err)
	}
	if _, err := p.FindChannel(context.Background(), "missing"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePrivateChannel(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("conversations.create", func(form map[string]string) any {
		return map[string]any{"ok": true, "channel": map[string]any{"id": "C5", "name": form["name"]}}
	})

	ref, err := p.CreatePrivateChannel(context.Background(), "ticket-07", []string{"U1", "UBOT", "U2"})
	if err != nil || ref != "C5" {
		t.Fatalf("create = %q, %v", ref, err)
	}
	create := f.called("conversations.create")[0]
	if create["name"] != "ticket-07" || create["is_private"] != "true" {
		t.Errorf("unexpected create call %+v", create)
	}
	invite := f.called("conversations.invite")
	if len(invite) != 1 || invite[0]["users"] != "U1,U2" {
		t.Errorf("expected invite without the bot, got %+v", invite)
	}
}

func TestArchive_AlreadyArchived(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("conversations.archive", slackError("already_archived"))
	if err := p.ArchiveChannel(context.Background(), "C5"); err != nil {
		t.Errorf("archive: %v", err)
	}
}

func TestAddRoleMember(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("usergroups.users.list", func(map[string]string) any {
		return map[string]any{"ok": true, "users": []string{"U1"}}
	})
	f.on("usergroups.users.update", func(map[string]string) any {
		return map[string]any{"ok": true, "usergroup": map[string]any{"id": "S1"}}
	})
	ctx := context.Background()

	if err := p.AddRoleMember(ctx, "S1", "U2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	upd := f.called("usergroups.users.update")
	if len(upd) != 1 || upd[0]["users"] != "U1,U2" || upd[0]["usergroup"] != "S1" {
		t.Errorf("unexpected update %+v", upd)
	}

	if err := p.AddRoleMember(ctx, "S1", "U1"); err != nil {
		t.Fatalf("add existing: %v", err)
	}
	if len(f.called("usergroups.users.update")) != 1 {
		t.Error("existing member should not rewrite the group")
	}
}

func TestDirectory(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("users.info", func(form map[string]string) any {
		switch form["user"] {
		case "UADM":
			return map[string]any{"ok": true, "user": map[string]any{"id": "UADM", "name": "boss", "is_admin": true}}
		case "UGONE":
			return map[string]any{"ok": true, "user": map[string]any{"id": "UGONE", "deleted": true}}
		default:
			return map[string]any{"ok": false, "error": "user_not_found"}
		}
	})
	ctx := context.Background()

	if ok, err := p.IsAdmin(ctx, "UADM"); err != nil || !ok {
		t.Errorf("IsAdmin = %v, %v", ok, err)
	}
	m, err := p.ResolveMember(ctx, "UADM")
	if err != nil || m.Name != "boss" {
		t.Errorf("ResolveMember = %+v, %v", m, err)
	}
	if _, err := p.ResolveMember(ctx, "UGONE"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("deactivated user: expected ErrNotFound, got %v", err)
	}
	if _, err := p.ResolveMember(ctx, "UNOPE"); !errors.Is(err, platform.ErrNotFound) {
		t.Errorf("unknown user: expected ErrNotFound, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	f, p := newFakeAPI(t)
	f.on("conversations.history", func(map[string]string) any {
		return map[string]any{"ok": true, "messages": []map[string]any{
			{"ts": "2.0", "user": "UBOT", "text": "Welcome to CA Study Space"},
			{"ts": "1.0", "bot_id": "B1", "text": "other"},
		}}
	})
	posts, err := p.History(context.Background(), "C1", 25)
	if err != nil || len(posts) != 2 {
		t.Fatalf("history = %+v, %v", posts, err)
	}
	if posts[0].Author != "UBOT" || posts[0].Title != "Welcome to CA Study Space" || posts[0].Ref != "C1:2.0" {
		t.Errorf("unexpected first post %+v", posts[0])
	}
	if posts[1].Author != "B1" {
		t.Errorf("bot id fallback: %+v", posts[1])
	}
}
