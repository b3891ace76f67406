package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/errors"
)

func TestRestricted(t *testing.T) {
	tests := []struct {
		addr       string
		restricted bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.10", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:192.168.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.restricted, Restricted(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestCheckURL(t *testing.T) {
	c := New(Options{})

	_, err := c.CheckURL("https://hooks.example.com/vigil")
	assert.NoError(t, err)

	for _, raw := range []string{
		"ftp://example.com/x",
		"https://user:pw@example.com/",
		"http:///nohost",
	} {
		_, err := c.CheckURL(raw)
		assert.True(t, errors.IsInvalidRequest(err), raw)
	}

	for _, raw := range []string{
		"http://localhost:8080/",
		"http://api.localhost/",
		"http://127.0.0.1/",
		"http://[::1]/",
		"http://192.168.1.5/hook",
	} {
		_, err := c.CheckURL(raw)
		assert.True(t, errors.Is(err, ErrBlocked), raw)
	}
}

func TestDo_BlocksLoopbackUnlessAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = New(Options{}).Do(context.Background(), req)
	assert.True(t, errors.Is(err, ErrBlocked))

	req, err = http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	resp, err := New(Options{AllowPrivate: true}).Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
