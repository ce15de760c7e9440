package probe

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/auxothq/uiaudit/pkg/protocol"
)

const chatPage = `<!doctype html>
<html>
<head><title>Chat</title><style>button { color: red }</style></head>
<body>
  <nav id="sidebar">
    <a href="/new">New chat</a>
    <a href="#"><img src="gear.svg"></a>
    <button aria-label="Collapse sidebar"></button>
  </nav>
  <main id="app">
    <ul class="messages">
      <li>Hello</li>
      <li>How can I help?</li>
    </ul>
    <label for="prompt">Message</label>
    <textarea id="prompt"></textarea>
    <button class="send primary" style="width: 32px">Send</button>
    <button class="icon"><img src="mic.svg" alt="Dictate"></button>
    <input type="hidden" name="csrf" value="x">
    <div role="button" tabindex="0"></div>
  </main>
</body>
</html>`

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s, err := ParseSnapshot(strings.NewReader(chatPage), Viewport{Width: 1280, Height: 800, PixelRatio: 2, Theme: "dark"})
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	return s
}

// execute runs op and round-trips the result through JSON, as the bridge sees it.
func execute(t *testing.T, s *Snapshot, op string, params string) (map[string]any, error) {
	t.Helper()
	res, err := s.Execute(op, json.RawMessage(params))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out, nil
}

func TestQuerySelector(t *testing.T) {
	s := testSnapshot(t)

	res, err := execute(t, s, protocol.OpQuerySelector, `{"selector":"button","limit":2}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["count"] != 3.0 || res["returned"] != 2.0 || res["truncated"] != true {
		t.Errorf("counts = %v/%v/%v", res["count"], res["returned"], res["truncated"])
	}
	elems := res["elements"].([]any)
	first := elems[0].(map[string]any)
	if first["path"] != "nav#sidebar > button" {
		t.Errorf("path = %v", first["path"])
	}
	if first["name"] != "Collapse sidebar" {
		t.Errorf("name = %v", first["name"])
	}
	second := elems[1].(map[string]any)
	if second["path"] != "main#app > button:nth-of-type(1)" {
		t.Errorf("path = %v", second["path"])
	}
}

func TestQuerySelector_DefaultLimit(t *testing.T) {
	s := testSnapshot(t)
	res, err := execute(t, s, protocol.OpQuerySelector, `{"selector":"li"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["returned"] != 2.0 || res["truncated"] != false {
		t.Errorf("res = %v", res)
	}
}

func TestGetElement(t *testing.T) {
	s := testSnapshot(t)

	res, err := execute(t, s, protocol.OpGetElement, `{"selector":"li","index":1}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["text"] != "How can I help?" {
		t.Errorf("text = %v", res["text"])
	}
	if res["path"] != "main#app > ul > li:nth-of-type(2)" {
		t.Errorf("path = %v", res["path"])
	}
	if res["matches"] != 2.0 {
		t.Errorf("matches = %v", res["matches"])
	}

	res, err = execute(t, s, protocol.OpGetElement, `{"selector":"#prompt"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["name"] != "Message" || res["role"] != "textbox" {
		t.Errorf("name/role = %v/%v", res["name"], res["role"])
	}
}

func TestGetElement_NotFoundIsData(t *testing.T) {
	s := testSnapshot(t)

	res, err := execute(t, s, protocol.OpGetElement, `{"selector":".nope","index":0}`)
	if err != nil {
		t.Fatalf("not-found must not be an error: %v", err)
	}
	if res["error"] != `No elements found matching ".nope"` {
		t.Errorf("error = %v", res["error"])
	}
}

func TestGetElement_IndexOutOfRangeIsError(t *testing.T) {
	s := testSnapshot(t)

	_, err := execute(t, s, protocol.OpGetElement, `{"selector":"li","index":5}`)
	if err == nil || !strings.Contains(err.Error(), "Index 5 out of range") {
		t.Errorf("err = %v", err)
	}
}

func TestInvalidSelector(t *testing.T) {
	s := testSnapshot(t)

	_, err := execute(t, s, protocol.OpQuerySelector, `{"selector":"button[","limit":5}`)
	if err == nil || !strings.Contains(err.Error(), "Invalid selector") {
		t.Errorf("err = %v", err)
	}
}

func TestAuditUI(t *testing.T) {
	s := testSnapshot(t)

	res, err := execute(t, s, protocol.OpAuditUI, `{"includeStyles":true,"minTouchTarget":44}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	summary := res["summary"].(map[string]any)
	// 2 links, 3 buttons, textarea, div[role=button]; hidden input excluded
	if summary["total"] != 7.0 {
		t.Errorf("total = %v", summary["total"])
	}
	issues := summary["issues"].(map[string]any)
	if issues["missing-accessible-name"] != 2.0 {
		t.Errorf("missing-accessible-name = %v", issues["missing-accessible-name"])
	}
	if issues["placeholder-link-target"] != 1.0 {
		t.Errorf("placeholder-link-target = %v", issues["placeholder-link-target"])
	}
	if issues["img-missing-alt"] != 1.0 {
		t.Errorf("img-missing-alt = %v", issues["img-missing-alt"])
	}

	var sawStyle, sawDictate bool
	for _, e := range res["elements"].([]any) {
		el := e.(map[string]any)
		if el["style"] == "width: 32px" {
			sawStyle = true
		}
		if el["name"] == "Dictate" {
			sawDictate = true
		}
	}
	if !sawStyle {
		t.Error("includeStyles should report the inline style")
	}
	if !sawDictate {
		t.Error("icon button should take its name from the image alt")
	}

	res, err = execute(t, s, protocol.OpAuditUI, `{"includeStyles":false}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, e := range res["elements"].([]any) {
		if _, ok := e.(map[string]any)["style"]; ok {
			t.Error("style reported with includeStyles=false")
		}
	}
}

func TestViewportInfo(t *testing.T) {
	s := testSnapshot(t)

	res, err := execute(t, s, protocol.OpGetViewportInfo, `{}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res["width"] != 1280.0 || res["height"] != 800.0 || res["devicePixelRatio"] != 2.0 || res["theme"] != "dark" {
		t.Errorf("viewport = %v", res)
	}
}

func TestLayoutOperationsAndUnknownAreErrors(t *testing.T) {
	s := testSnapshot(t)

	for _, op := range []string{protocol.OpCheckTouchTargets, protocol.OpCheckEdgeProximity} {
		if _, err := s.Execute(op, json.RawMessage(`{}`)); err == nil || !strings.Contains(err.Error(), "layout") {
			t.Errorf("%s: err = %v", op, err)
		}
	}
	if _, err := s.Execute("scroll_to", nil); err == nil || err.Error() != "Unknown command: scroll_to" {
		t.Errorf("unknown: err = %v", err)
	}
}
