package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fsEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{RootPath: t.TempDir(), AgentName: "tester"}
}

func TestWriteThenReadFile(t *testing.T) {
	env := fsEnv(t)
	w := &WriteFileTool{}
	w.Configure(env)
	r := &ReadFileTool{}
	r.Configure(env)

	res := w.Execute(context.Background(), map[string]interface{}{
		"path": "sub/dir/out.txt", "content": "hello",
	})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}
	res = r.Execute(context.Background(), map[string]interface{}{"path": "sub/dir/out.txt"})
	if res.IsError || res.ForLLM != "hello" {
		t.Fatalf("read back: %+v", res)
	}
}

func TestWriteOutsideSandboxDeniedWithoutApprovalFlow(t *testing.T) {
	env := fsEnv(t)
	w := &WriteFileTool{}
	w.Configure(env)

	outside := filepath.Join(os.TempDir(), "other", "x.txt")
	res := w.Execute(context.Background(), map[string]interface{}{
		"path": outside, "content": "x",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "not permitted") {
		t.Fatalf("escape without request manager must be denied: %+v", res)
	}
}

func TestResolvePathRejectsTraversal(t *testing.T) {
	if _, _, err := resolvePath("../../etc/passwd", "/work"); err == nil {
		t.Fatal("traversal must be rejected")
	}
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	env := fsEnv(t)
	path := filepath.Join(env.RootPath, "f.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &EditFileTool{}
	e.Configure(env)

	res := e.Execute(context.Background(), map[string]interface{}{
		"path": "f.txt", "old_text": "aaa", "new_text": "ccc",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "2 times") {
		t.Fatalf("ambiguous edit must fail: %+v", res)
	}

	res = e.Execute(context.Background(), map[string]interface{}{
		"path": "f.txt", "old_text": "bbb", "new_text": "ccc",
	})
	if res.IsError {
		t.Fatalf("edit: %s", res.ForLLM)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "aaa ccc aaa" {
		t.Fatalf("content after edit: %q", data)
	}
}

func TestExecDenyPatterns(t *testing.T) {
	env := fsEnv(t)
	e := NewExecTool()
	e.Configure(env)

	res := e.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /"})
	if !res.IsError || !strings.Contains(res.ForLLM, "safety policy") {
		t.Fatalf("dangerous command must be denied: %+v", res)
	}

	res = e.Execute(context.Background(), map[string]interface{}{"command": "printf hello"})
	if res.IsError || !strings.Contains(res.ForLLM, "hello") {
		t.Fatalf("plain command: %+v", res)
	}
}

func TestExtractDDGResultsUnwrapsRedirect(t *testing.T) {
	html := `<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=x">Example <b>Page</b></a>` +
		`<a class="result__snippet" href="#">A <b>snippet</b> here</a>`
	results := extractDDGResults(html, 5)
	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}
	if results[0].url != "https://example.com/page" {
		t.Errorf("redirect not unwrapped: %s", results[0].url)
	}
	if results[0].title != "Example Page" {
		t.Errorf("title tags not stripped: %q", results[0].title)
	}
	if results[0].snippet != "A snippet here" {
		t.Errorf("snippet: %q", results[0].snippet)
	}
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{}</style><script>var x;</script></head>` +
		`<body><p>First &amp; foremost</p><div>Second</div></body></html>`
	out := htmlToText(in)
	if !strings.Contains(out, "First & foremost") || !strings.Contains(out, "Second") {
		t.Fatalf("text extraction: %q", out)
	}
	if strings.Contains(out, "var x") || strings.Contains(out, "p{}") {
		t.Fatalf("script/style leaked: %q", out)
	}
}
