package reliability_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/outofforest/coap/wire"
)

const ep wire.Endpoint = "192.0.2.1:5683"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	codec wire.Codec

	mu        sync.Mutex
	datagrams [][]byte
}

func newRecorder() *recorder {
	return &recorder{codec: wire.NewCodec()}
}

func (r *recorder) Send(_ wire.Endpoint, datagram []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.datagrams = append(r.datagrams, datagram)
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.datagrams)
}

func (r *recorder) Datagrams() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]byte(nil), r.datagrams...)
}

func (r *recorder) Message(requireT *require.Assertions, i int) *wire.Message {
	datagrams := r.Datagrams()
	requireT.Greater(len(datagrams), i)

	msg, err := r.codec.Decode(datagrams[i])
	requireT.NoError(err)
	return msg
}

func waitFor(requireT *require.Assertions, fn func() bool) {
	requireT.Eventually(fn, 5*time.Second, time.Millisecond)
}
