package source_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchload/internal/config"
	"batchload/internal/loader"
	"batchload/internal/source"
	_ "batchload/internal/source/all"
)

func TestKinds(t *testing.T) {
	assert.Equal(t, []string{"csv", "html", "json"}, source.Kinds())
	assert.Panics(t, func() { source.Register("csv", func(context.Context, io.Reader, config.Options) (loader.Dataset, error) { return loader.Dataset{}, nil }) })
	assert.Panics(t, func() { source.Register("", nil) })
}

func TestRead_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "c.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,a\n"), 0o644))

	ds, err := source.Read(context.Background(), source.Spec{Kind: "csv", Path: path})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, ds.Columns)
	assert.Equal(t, "a", ds.Records[0]["name"])
}

func TestRead_Windows1250(t *testing.T) {
	t.Parallel()

	// "Žluťoučký" in windows-1250.
	raw := []byte{'n', '\n', 0x8E, 'l', 'u', 0x9D, 'o', 'u', 0xE8, 'k', 0xFD, '\n'}
	path := filepath.Join(t.TempDir(), "cz.csv")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	ds, err := source.Read(context.Background(), source.Spec{
		Kind:    "csv",
		Path:    path,
		Options: config.Options{"encoding": "windows-1250"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Žluťoučký", ds.Records[0]["n"])

	_, err = source.Read(context.Background(), source.Spec{
		Kind:    "csv",
		Path:    path,
		Options: config.Options{"encoding": "klingon-8"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "klingon-8")
}

func TestRead_HTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "batchload/1.0", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/items.json":
			_, _ = io.WriteString(w, `{"items": [{"id": 1}, {"id": 2}]}`)
		default:
			http.Error(w, "nothing here", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ds, err := source.Read(context.Background(), source.Spec{Kind: "json", Path: srv.URL + "/items.json"})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = source.Read(context.Background(), source.Spec{Kind: "json", Path: srv.URL + "/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 404: nothing here")
}

func TestOpen_Stdin(t *testing.T) {
	t.Parallel()

	rc, err := source.Open(context.Background(), "-", source.OpenOptions{Stdin: strings.NewReader("hello")})
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestRead_Errors(t *testing.T) {
	t.Parallel()

	_, err := source.Read(context.Background(), source.Spec{Kind: "xml", Path: "x.xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported kind=xml")

	_, err = source.Read(context.Background(), source.Spec{Kind: "csv", Path: filepath.Join(t.TempDir(), "nope.csv")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open source")
}

func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	hm := map[string]string{"IČO": "ico"}
	cases := map[string]string{
		"\uFEFFName":    "name",
		"  First Name ": "first_name",
		"IČO":           "ico",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, source.NormalizeHeader(in, hm), "NormalizeHeader(%q)", in)
	}
}

func TestProject(t *testing.T) {
	t.Parallel()

	ds := loader.Dataset{
		Columns: []string{"a", "b"},
		Records: []loader.Record{{"a": 1, "b": 2}},
	}
	assert.Equal(t, ds, source.Project(ds, nil))

	got := source.Project(ds, []string{"b", "c"})
	assert.Equal(t, []string{"b", "c"}, got.Columns)
	assert.Equal(t, loader.Record{"b": 2, "c": nil}, got.Records[0])
}
