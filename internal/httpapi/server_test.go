package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverscanning/place-ipv6-server/internal/abuse"
	"github.com/serverscanning/place-ipv6-server/internal/broadcast"
	"github.com/serverscanning/place-ipv6-server/internal/session"
)

type fakeCanvas struct{ png []byte }

func (f *fakeCanvas) FullCanvasPNG() []byte { return f.png }

func testTopics() session.Topics {
	return session.Topics{
		DeltaPNG: broadcast.New[[]byte]("delta_png", nil),
		PPS:      broadcast.New[session.PPSUpdate]("pps", nil),
		WSCount:  broadcast.New[int]("ws_count", nil),
		Nudity:   broadcast.New[session.NudityUpdate]("nudity", nil),
	}
}

func TestHandleCanvas_SetsNoStoreByDefault(t *testing.T) {
	t.Parallel()
	s := New(Config{Canvas: &fakeCanvas{png: []byte{1, 2, 3}}, Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/canvas.png", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Equal(t, []byte{1, 2, 3}, rec.Body.Bytes())
}

func TestHandleCanvas_AllowCacheSkipsNoStore(t *testing.T) {
	t.Parallel()
	s := New(Config{Canvas: &fakeCanvas{png: []byte{1}}, Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/canvas.png?allow_cache=true", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestHandleServerConfig(t *testing.T) {
	t.Parallel()
	s := New(Config{Canvas: &fakeCanvas{}, PublicPrefix: "2602:fa9b:202::/48", Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/serverconfig.json", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body serverConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 512, body.Width)
	require.Equal(t, 512, body.Height)
	require.False(t, body.BuiltWithPerUserPPS)
	require.Equal(t, "2602:fa9b:202::/48", body.PublicPrefix)
}

func TestHandleMyUserID_DisabledTracker(t *testing.T) {
	t.Parallel()
	s := New(Config{Canvas: &fakeCanvas{}, Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/my_user_id", nil)
	req.RemoteAddr = "[2001:db8::1]:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body myUserIDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error)
}

func TestHandleMyUserID_ReturnsIDWhenKnown(t *testing.T) {
	t.Parallel()
	tracker := abuse.New()
	ip := "2001:db8::1"
	tracker.Record(net.ParseIP(ip), time.Now())

	s := New(Config{Canvas: &fakeCanvas{}, Tracker: tracker, Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/my_user_id", nil)
	req.RemoteAddr = "[" + ip + "]:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body myUserIDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint64(1), body.UserID)
	require.Empty(t, body.Error)
}

func TestHandleNotFound_StaticFallback(t *testing.T) {
	t.Parallel()
	s := New(Config{Canvas: &fakeCanvas{}, Topics: testTopics()})
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::99]:1234"
	req.Header.Set("X-Forwarded-For", "2001:db8::1")

	ip := ClientIP(req, nil)
	require.Equal(t, "2001:db8::99", ip.String())
}

func TestClientIP_TrustedPeerHonorsForwardedFor(t *testing.T) {
	t.Parallel()
	_, trustedNet, err := net.ParseCIDR("2001:db8::/32")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::99]:1234"
	req.Header.Set("X-Forwarded-For", "2001:db8:1::1, 10.0.0.1")

	ip := ClientIP(req, []*net.IPNet{trustedNet})
	require.Equal(t, "2001:db8:1::1", ip.String())
}
