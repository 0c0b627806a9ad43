package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/alicecrypto/alicecrypto/crypto"
	"github.com/TheusHen/alicecrypto/alicecrypto/homomorphic"
	"github.com/TheusHen/alicecrypto/alicecrypto/metrics"
	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
	"github.com/TheusHen/alicecrypto/alicecrypto/session"
	"github.com/TheusHen/alicecrypto/alicecrypto/store"
)

type fixture struct {
	handler *Handler
	store   *store.SQLiteStore
}

func newFixture(t *testing.T, policy session.RehandshakePolicy, mutate ...func(*Options)) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	h := NewHandler(session.NewRegistry(policy), st, homomorphic.NewAggregator(100), opts)
	return &fixture{handler: h, store: st}
}

func send(t *testing.T, c *Conn, req protocol.Request) (map[string]any, error) {
	t.Helper()
	raw, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	return sendRaw(t, c, raw)
}

func sendRaw(t *testing.T, c *Conn, raw []byte) (map[string]any, error) {
	t.Helper()
	out, err := c.Handle(context.Background(), raw)
	if out == nil {
		return nil, err
	}
	var reply map[string]any
	require.NoError(t, json.Unmarshal(out, &reply))
	return reply, err
}

// handshake plays the browser side and returns its channel.
func handshake(t *testing.T, c *Conn) *crypto.SecureChannel {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := kp.PublicKeyBase64()
	require.NoError(t, err)

	reply, err := send(t, c, protocol.HandshakeInit{PublicKey: pub})
	require.NoError(t, err)
	require.Equal(t, "HANDSHAKE_REPLY", reply["type"])

	serverPub, err := crypto.ParsePublicKeyBase64(reply["publicKey"].(string))
	require.NoError(t, err)
	ch, err := crypto.Establish("client", kp, serverPub, crypto.SuiteAES256GCM)
	require.NoError(t, err)
	return ch
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func chat(t *testing.T, c *Conn, client *crypto.SecureChannel, text string) (map[string]any, error) {
	t.Helper()
	content, iv, err := client.EncryptBase64([]byte(text))
	require.NoError(t, err)
	return send(t, c, protocol.ChatMessage{Content: content, IV: iv})
}

func TestHandshakeEstablishesSession(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	before := testutil.ToFloat64(metrics.Handshakes.WithLabelValues("ok"))
	handshake(t, c)

	assert.Equal(t, session.StateEstablished, c.State())
	assert.Equal(t, 1, f.handler.Registry().Len())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Handshakes.WithLabelValues("ok")))

	select {
	case <-c.Ready():
	default:
		t.Fatal("Ready should be closed after handshake")
	}
}

func TestHandshakeEmptyKeyStaysUnestablished(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	reply, err := send(t, c, protocol.HandshakeInit{PublicKey: ""})
	require.NotNil(t, reply)
	assert.Equal(t, "HANDSHAKE_ERROR", reply["type"])
	assert.NotEmpty(t, reply["error"])
	assert.Equal(t, KindHandshake, KindOf(err))
	assert.ErrorIs(t, err, crypto.ErrInvalidPeerKey)

	assert.Equal(t, session.StateUnestablished, c.State())
	assert.Equal(t, 0, f.handler.Registry().Len())
}

func TestHandshakeWrongFieldType(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	reply, err := sendRaw(t, c, []byte(`{"type":"HANDSHAKE_INIT","publicKey":123}`))
	require.NotNil(t, reply)
	assert.Equal(t, "HANDSHAKE_ERROR", reply["type"])
	assert.Equal(t, KindHandshake, KindOf(err))
	assert.Equal(t, session.StateUnestablished, c.State())
}

func TestFailedRehandshakeKeepsSession(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	client := handshake(t, c)
	reply, _ := send(t, c, protocol.HandshakeInit{PublicKey: "bm90IGEga2V5"})
	assert.Equal(t, "HANDSHAKE_ERROR", reply["type"])
	assert.Equal(t, session.StateEstablished, c.State())

	reply, err := chat(t, c, client, "still here")
	require.NoError(t, err)
	assert.Equal(t, "CHAT_REPLY", reply["type"])
}

func TestRehandshakeReplace(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	first := handshake(t, c)
	second := handshake(t, c)
	assert.Equal(t, 1, f.handler.Registry().Len())

	_, err := chat(t, c, first, "old key")
	assert.Equal(t, KindDecryption, KindOf(err))

	reply, err := chat(t, c, second, "new key")
	require.NoError(t, err)
	pt, err := second.DecryptBase64(reply["content"].(string), reply["iv"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Server received: new key", string(pt))
}

func TestRehandshakeReject(t *testing.T) {
	f := newFixture(t, session.RehandshakeReject)
	c := f.handler.Open("test")
	defer c.Close()

	client := handshake(t, c)

	kp, _ := crypto.GenerateKeyPair()
	pub, _ := kp.PublicKeyBase64()
	reply, err := send(t, c, protocol.HandshakeInit{PublicKey: pub})
	assert.Equal(t, "HANDSHAKE_ERROR", reply["type"])
	assert.ErrorIs(t, err, session.ErrAlreadyEstablished)

	_, err = chat(t, c, client, "original key")
	assert.NoError(t, err)
}

func TestChatRoundTrip(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	client := handshake(t, c)
	content, iv, err := client.EncryptBase64([]byte("hello bob"))
	require.NoError(t, err)

	reply, err := send(t, c, protocol.ChatMessage{Content: content, IV: iv})
	require.NoError(t, err)
	assert.Equal(t, "CHAT_REPLY", reply["type"])
	assert.Equal(t, "Bob (Server)", reply["sender"])

	pt, err := client.DecryptBase64(reply["content"].(string), reply["iv"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Server received: hello bob", string(pt))

	recs, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Alice", recs[0].Sender)
	assert.Equal(t, content, recs[0].ContentEncrypted)
	assert.Equal(t, iv, recs[0].IV)
}

func TestChatBeforeHandshake(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	reply, err := send(t, c, protocol.ChatMessage{Content: "AAAA", IV: "AAAAAAAAAAAAAAAA"})
	assert.Nil(t, reply)
	assert.Equal(t, KindDecryption, KindOf(err))
	assert.ErrorIs(t, err, session.ErrNotEstablished)
	assert.Equal(t, session.StateUnestablished, c.State())
}

func TestChatErrorReplyWhenEnabled(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace, func(o *Options) { o.ReplyOnError = true })
	c := f.handler.Open("test")
	defer c.Close()

	reply, err := send(t, c, protocol.ChatMessage{Content: "AAAA", IV: "AAAAAAAAAAAAAAAA"})
	require.NotNil(t, reply)
	assert.Equal(t, "CHAT_ERROR", reply["type"])
	assert.Equal(t, KindDecryption, KindOf(err))
}

func TestChatTamperedIsDropped(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	client := handshake(t, c)
	ct, nonce, err := client.Encrypt([]byte("hello"))
	require.NoError(t, err)
	ct[0] ^= 0x01

	raw, err := json.Marshal(map[string]string{
		"type":    "CHAT_MESSAGE",
		"content": b64(ct),
		"iv":      b64(nonce),
	})
	require.NoError(t, err)

	reply, err := sendRaw(t, c, raw)
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.Equal(t, session.StateEstablished, c.State())

	recs, _ := f.store.List(context.Background(), 0)
	assert.Empty(t, recs)
}

func TestUnknownTypeIgnored(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	handshake(t, c)
	reply, err := sendRaw(t, c, []byte(`{"type":"PING"}`))
	assert.Nil(t, reply)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
	assert.Equal(t, session.StateEstablished, c.State())
}

func TestNonJSONDropped(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	reply, err := sendRaw(t, c, []byte("hello?"))
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, session.StateUnestablished, c.State())
}

func TestComputeSum(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	// No handshake needed.
	reply, err := send(t, c, protocol.ComputeSum{
		PubKey: &protocol.PaillierKey{N: "35", G: "36"},
		Values: []protocol.Decimal{"1000", "1000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPUTE_RESULT", reply["type"])
	assert.Equal(t, "400", reply["result"])

	reply, err = send(t, c, protocol.ComputeSum{
		PubKey: &protocol.PaillierKey{N: "35", G: "36"},
		Values: []protocol.Decimal{},
	})
	require.NoError(t, err)
	assert.Equal(t, "0", reply["result"])
}

func TestComputeSumDecryptsToPlainSum(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	p, q := big.NewInt(1000003), big.NewInt(1000033)
	n := new(big.Int).Mul(p, q)
	pk, err := homomorphic.ParsePublicKey(n.String(), "")
	require.NoError(t, err)

	c3, err := pk.Encrypt(big.NewInt(3), nil)
	require.NoError(t, err)
	c5, err := pk.Encrypt(big.NewInt(5), nil)
	require.NoError(t, err)

	reply, err := send(t, c, protocol.ComputeSum{
		PubKey: &protocol.PaillierKey{N: protocol.Decimal(n.String()), G: protocol.Decimal(pk.G.String())},
		Values: []protocol.Decimal{protocol.Decimal(c3.String()), protocol.Decimal(c5.String())},
	})
	require.NoError(t, err)

	// Decrypt with lambda = lcm(p-1, q-1), g = n+1.
	one := big.NewInt(1)
	pm1, qm1 := new(big.Int).Sub(p, one), new(big.Int).Sub(q, one)
	lambda := new(big.Int).Div(new(big.Int).Mul(pm1, qm1), new(big.Int).GCD(nil, nil, pm1, qm1))
	L := func(x *big.Int) *big.Int { return new(big.Int).Div(new(big.Int).Sub(x, one), n) }
	mu := new(big.Int).ModInverse(L(new(big.Int).Exp(pk.G, lambda, pk.NSquared)), n)

	sum, ok := new(big.Int).SetString(reply["result"].(string), 10)
	require.True(t, ok)
	m := new(big.Int).Mul(L(new(big.Int).Exp(sum, lambda, pk.NSquared)), mu)
	assert.Equal(t, int64(8), m.Mod(m, n).Int64())
}

func TestComputeFailuresReplyNull(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")
	defer c.Close()

	requests := []string{
		`{"type":"COMPUTE_SUM","pub_key":{"n":"abc","g":"1"},"values":["1"]}`,
		`{"type":"COMPUTE_SUM","pub_key":{"n":"35","g":"36"},"values":["99999"]}`,
		`{"type":"COMPUTE_SUM","values":["1"]}`,
		`{"type":"COMPUTE_SUM","pub_key":{"n":"35","g":"36"}}`,
		`{"type":"COMPUTE_SUM","pub_key":{"n":"35","g":"36"},"values":"1"}`,
	}
	for _, raw := range requests {
		reply, err := sendRaw(t, c, []byte(raw))
		require.NotNil(t, reply, raw)
		assert.Equal(t, "COMPUTE_RESULT", reply["type"], raw)
		assert.Contains(t, reply, "result", raw)
		assert.Nil(t, reply["result"], raw)
		assert.Equal(t, KindAggregation, KindOf(err), raw)
	}

	tooMany := make([]protocol.Decimal, 101)
	for i := range tooMany {
		tooMany[i] = "1"
	}
	reply, err := send(t, c, protocol.ComputeSum{PubKey: &protocol.PaillierKey{N: "35"}, Values: tooMany})
	assert.Nil(t, reply["result"])
	assert.ErrorIs(t, err, homomorphic.ErrTooManyOperands)
}

func TestClosePurgesSession(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	c := f.handler.Open("test")

	handshake(t, c)
	require.Equal(t, 1, f.handler.Registry().Len())

	c.Close()
	assert.Equal(t, session.StateClosed, c.State())
	assert.Equal(t, 0, f.handler.Registry().Len())
	_, err := f.handler.Registry().Get(c.ID())
	assert.ErrorIs(t, err, session.ErrNotEstablished)

	_, err = c.Handle(context.Background(), []byte(`{"type":"COMPUTE_SUM"}`))
	assert.True(t, errors.Is(err, ErrClosed))

	c.Close()
}

func TestEstablishedGaugeAfterRegistryClose(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	before := testutil.ToFloat64(metrics.EstablishedSessions)

	idle := f.handler.Open("test")
	c := f.handler.Open("test")
	handshake(t, c)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EstablishedSessions))

	// Shutdown destroys every channel before the transports close.
	assert.Equal(t, 1, f.handler.Registry().Close())
	c.Close()
	idle.Close()
	assert.Equal(t, before, testutil.ToFloat64(metrics.EstablishedSessions))
}

func TestConnectionsAreIsolated(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)
	a := f.handler.Open("test")
	defer a.Close()
	b := f.handler.Open("test")
	defer b.Close()

	clientA := handshake(t, a)
	handshake(t, b)
	assert.NotEqual(t, a.ID(), b.ID())

	// A's ciphertext means nothing on B's channel.
	content, iv, _ := clientA.EncryptBase64([]byte("for a only"))
	_, err := send(t, b, protocol.ChatMessage{Content: content, IV: iv})
	assert.Equal(t, KindDecryption, KindOf(err))

	a.Close()
	assert.Equal(t, 1, f.handler.Registry().Len())
}

func TestWatchHandshake(t *testing.T) {
	f := newFixture(t, session.RehandshakeReplace)

	idle := f.handler.Open("test")
	defer idle.Close()
	fired := make(chan struct{})
	WatchHandshake(context.Background(), idle, 20*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback did not fire")
	}

	ready := f.handler.Open("test")
	defer ready.Close()
	called := make(chan struct{}, 1)
	WatchHandshake(context.Background(), ready, 200*time.Millisecond, func() { called <- struct{}{} })
	handshake(t, ready)
	select {
	case <-called:
		t.Fatal("timeout fired for an established connection")
	case <-time.After(400 * time.Millisecond):
	}
}
