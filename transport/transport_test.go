package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("one")))
	require.NoError(t, a.Send(ctx, []byte("two")))
	require.NoError(t, b.Send(ctx, []byte("reply")))

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), msg)

	msg, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), msg)

	require.NoError(t, a.Close())

	// Messages sent before the close are still delivered
	msg, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), msg)

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte("late")), ErrClosed)
	assert.NoError(t, b.Close())
}

func TestPipe_ReceiveHonorsContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_SendCopiesMessage(t *testing.T) {
	a, b := Pipe()
	buf := []byte("abc")
	require.NoError(t, a.Send(context.Background(), buf))
	buf[0] = 'x'

	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), msg)
}

func TestPipeConnector(t *testing.T) {
	var gotPath string
	connector := &PipeConnector{
		Serve: func(stream interfaces.Stream, route interfaces.ConnectionParams, path string, header http.Header) {
			defer stream.Close()
			gotPath = path
			msg, err := stream.Receive(context.Background())
			if err != nil {
				return
			}
			_ = stream.Send(context.Background(), append([]byte(header.Get("X-Test")+":"), msg...))
		},
	}

	stream, err := connector.Connect(context.Background(), interfaces.ConnectionParams{Host: "local"}, "/v1/abcd", http.Header{"X-Test": {"h"}})
	require.NoError(t, err)
	require.NoError(t, stream.Send(context.Background(), []byte("ping")))

	msg, err := stream.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("h:ping"), msg)
	assert.Equal(t, "/v1/abcd", gotPath)
}

func routeFor(t *testing.T, server *httptest.Server) interfaces.ConnectionParams {
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return interfaces.ConnectionParams{Host: u.Hostname(), Port: uint16(port)}
}

func TestWebSocketConnector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/echo" {
			http.NotFound(w, r)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		stream, err := Accept(w, r)
		if err != nil {
			return
		}
		defer stream.Close()
		for {
			msg, err := stream.Receive(context.Background())
			if err != nil {
				return
			}
			if err := stream.Send(context.Background(), msg); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	connector := NewWebSocketConnector(slog.New(slog.NewTextHandler(io.Discard, nil)))
	route := routeFor(t, server)

	header := http.Header{}
	header.Set("Authorization", "Basic dXNlcjpwYXNz")

	t.Run("echo", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stream, err := connector.Connect(ctx, route, "/v1/echo", header)
		require.NoError(t, err)
		defer stream.Close()

		require.NoError(t, stream.Send(ctx, []byte{0x00, 0x01, 0x02}))
		msg, err := stream.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0x02}, msg)
	})

	t.Run("receive cancelled", func(t *testing.T) {
		stream, err := connector.Connect(context.Background(), route, "/v1/echo", header)
		require.NoError(t, err)
		defer stream.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = stream.Receive(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("upgrade rejected", func(t *testing.T) {
		_, err := connector.Connect(context.Background(), route, "/v1/echo", nil)
		var statusErr *HandshakeStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := connector.Connect(context.Background(), interfaces.ConnectionParams{Host: "127.0.0.1", Port: 1}, "/v1/echo", header)
		assert.Error(t, err)
	})
}
