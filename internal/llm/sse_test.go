package llm

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// pieceReader returns one piece per Read call.
type pieceReader struct {
	pieces []string
	err    error
	closed bool
}

func (r *pieceReader) Read(p []byte) (int, error) {
	if len(r.pieces) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.pieces[0])
	r.pieces[0] = r.pieces[0][n:]
	if r.pieces[0] == "" {
		r.pieces = r.pieces[1:]
	}
	return n, nil
}

func (r *pieceReader) Close() error {
	r.closed = true
	return nil
}

func frame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func collect(t *testing.T, s ChunkStream) ([]string, error) {
	t.Helper()
	var out []string
	for i := 0; i < 100; i++ {
		chunk, err := s.Recv()
		if err != nil {
			return out, err
		}
		if chunk.Done {
			_, err := s.Recv()
			require.ErrorIs(t, err, io.EOF, "stream must end after a done chunk")
			return out, nil
		}
		out = append(out, chunk.Content)
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func TestSSEStreamDone(t *testing.T) {
	body := &pieceReader{pieces: []string{frame("Hel") + frame("lo") + "data: [DONE]\n\n" + frame("ignored")}}

	chunks, err := collect(t, newSSEStream(body, logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.True(t, body.closed)
}

func TestSSEStreamEOFWithoutDone(t *testing.T) {
	body := &pieceReader{pieces: []string{frame("a"), frame("b")}}

	chunks, err := collect(t, newSSEStream(body, logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chunks)
}

func TestSSEStreamSplitLines(t *testing.T) {
	whole := frame("one") + frame("two") + "data: [DONE]\n"
	var pieces []string
	for i := 0; i < len(whole); i += 7 {
		end := i + 7
		if end > len(whole) {
			end = len(whole)
		}
		pieces = append(pieces, whole[i:end])
	}

	chunks, err := collect(t, newSSEStream(&pieceReader{pieces: pieces}, logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, chunks)
}

func TestSSEStreamSkipsMalformedAndNonData(t *testing.T) {
	body := &pieceReader{pieces: []string{
		": keep-alive\n",
		"event: message\n",
		"data: {not json}\n",
		"data:\n",
		`data: {"choices":[]}` + "\n",
		"data:" + `{"choices":[{"delta":{"content":"ok"}}]}` + "\r\n",
		"data: [DONE]\n",
	}}

	chunks, err := collect(t, newSSEStream(body, logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, chunks)
}

func TestSSEStreamParsesUnterminatedTail(t *testing.T) {
	body := &pieceReader{pieces: []string{frame("first"), `data: {"choices":[{"delta":{"content":"last"}}]}`}}

	chunks, err := collect(t, newSSEStream(body, logger.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "last"}, chunks)
}

func TestSSEStreamErrorFrame(t *testing.T) {
	body := &pieceReader{pieces: []string{frame("partial"), `data: {"error":{"message":"context overflow"}}` + "\n"}}
	s := newSSEStream(body, logger.NewNop())

	chunks, err := collect(t, s)
	assert.Equal(t, []string{"partial"}, chunks)
	require.Error(t, err)
	assert.Equal(t, KindAPI, KindOf(err))
	assert.Contains(t, err.Error(), "context overflow")

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEStreamReadError(t *testing.T) {
	body := &pieceReader{pieces: []string{frame("x")}, err: errors.New("connection reset")}

	chunks, err := collect(t, newSSEStream(body, logger.NewNop()))
	assert.Equal(t, []string{"x"}, chunks)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestSSEStreamCloseIsIdempotent(t *testing.T) {
	body := &pieceReader{pieces: []string{strings.Repeat("x", 10)}}
	s := newSSEStream(body, logger.NewNop())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.True(t, body.closed)
}
