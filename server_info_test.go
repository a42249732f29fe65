package avrio_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrioproductionsupport/avrio-go"
)

func TestServerInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, avrio.InfoPath, r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "alice", r.Header.Get(avrio.HeaderUser))
		_, _ = w.Write([]byte(`{"nodeVersion":{"version":"451"},"environment":"prod","coordinator":true,"starting":false,"uptime":"3.50m"}`))
	}))
	defer srv.Close()

	c, err := avrio.NewClient(srv.URL)
	require.NoError(t, err)

	info, resp, err := c.NewSession().User("alice").ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "451", info.NodeVersion.Version)
	assert.Equal(t, "prod", info.Environment)
	assert.True(t, info.Coordinator)
	assert.False(t, info.Starting)
	assert.Equal(t, 210*time.Second, info.Uptime.Duration)
}

func TestServerInfo_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := avrio.NewClient(srv.URL)
	require.NoError(t, err)

	_, resp, err := c.ServerInfo(context.Background())
	var protoErr *avrio.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"12.00s"`, 12 * time.Second},
		{`"1.5h"`, 90 * time.Minute},
		{`"2d"`, 48 * time.Hour},
		{`1500`, 1500 * time.Millisecond},
		{`null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d avrio.Duration
			require.NoError(t, json.Unmarshal([]byte(tt.in), &d))
			assert.Equal(t, tt.want, d.Duration)
		})
	}

	var d avrio.Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(avrio.Duration{Duration: 90 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))
}
