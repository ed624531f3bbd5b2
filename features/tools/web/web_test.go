package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/runtime/kit"
	"github.com/clerkhq/clerk/runtime/kit/tools"
)

const page = `<html><head><title>Capitals</title><style>p{color:red}</style>
<script>var x = "hidden";</script></head>
<body><header>Site menu</header><nav><a href="/">Home</a></nav>
<h1>France</h1>
<p>The capital of   France is
Paris.</p>
<footer>Copyright</footer></body></html>`

func TestHTMLText(t *testing.T) {
	assert.Equal(t, "Capitals\nFrance\nThe capital of France is\nParis.", HTMLText([]byte(page)))
}

func TestReadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.UserAgent(), "CLERK")
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(page))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("raw <b>text</b>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, srv.Client(), ""))
	assert.Equal(t, []string{JinaReaderName, ReadURLName}, reg.Names())

	ctx := context.Background()
	invoke := func(u string) *tools.Result {
		args, _ := json.Marshal(map[string]string{"url": u})
		res, err := reg.Invoke(ctx, ReadURLName, nil, args)
		require.NoError(t, err)
		return res
	}

	res := invoke(srv.URL + "/page")
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "The capital of France is")
	assert.NotContains(t, res.Content, "hidden")

	assert.Equal(t, "raw <b>text</b>", invoke(srv.URL+"/plain").Content)

	res = invoke(srv.URL + "/missing")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "HTTP 404")

	res = invoke("ftp://example.com/file")
	assert.True(t, res.IsError)
}

func TestJinaReader(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("# Paris"))
	}))
	defer srv.Close()

	f := JinaReaderFactory(srv.Client())
	cfg, _ := json.Marshal(Config{Endpoint: srv.URL + "/", APIKey: "k"})
	c, err := f(context.Background(), cfg)
	require.NoError(t, err)
	res, err := c.Invoke(context.Background(), json.RawMessage(`{"url":"https://example.com/a"}`))
	require.NoError(t, err)
	assert.Equal(t, "# Paris", res.Content)
	assert.Equal(t, "/https://example.com/a", gotPath)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "text/markdown", gotAccept)

	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, srv.Client(), "default-key"))
	cfg, _ = json.Marshal(Config{Endpoint: srv.URL + "/"})
	_, err = reg.Invoke(context.Background(), JinaReaderName, cfg, json.RawMessage(`{"url":"https://example.com/b"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer default-key", gotAuth)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg, nil, ""))
	assert.Equal(t, Tags, reg.Tags(JinaReaderName))
	_, err := reg.Build(context.Background(), kit.ToolAttachment{ToolName: ReadURLName, Configuration: json.RawMessage(`{"max_bytes":-1}`)}, "")
	require.Error(t, err)
}
