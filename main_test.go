package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"reelflow/internal/config"
	"reelflow/internal/transform"
	"reelflow/internal/upload"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "publish", "probe", "copy", "delete"}, names)
}

func TestPublishCommand_RequiresOwner(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"publish", "clip.mp4"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	assert.ErrorContains(t, err, "owner")
}

func TestPrintProbe(t *testing.T) {
	tests := []struct {
		name     string
		media    transform.Media
		size     int64
		decision string
		bitrate  bool
	}{
		{"vertical small", transform.Media{Width: 1080, Height: 1920, Duration: 10 * time.Second}, 10 * transform.MiB, "pass_through", false},
		{"vertical large", transform.Media{Width: 1080, Height: 1920, Duration: 40 * time.Second}, 80 * transform.MiB, "recompress", true},
		{"horizontal", transform.Media{Width: 1920, Height: 1080, Duration: 12 * time.Second}, transform.MiB, "reframe_with_blur", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := &cobra.Command{}
			cmd.SetOut(&out)

			printProbe(cmd, tt.media, tt.size, transform.DefaultLimits())
			assert.Contains(t, out.String(), "decision:    "+tt.decision)
			if tt.bitrate {
				assert.Contains(t, out.String(), "bitrate:")
			} else {
				assert.NotContains(t, out.String(), "bitrate:")
			}
		})
	}
}

func TestRouter(t *testing.T) {
	e := &env{cfg: &config.Config{APIKey: "secret-key"}, logger: zap.NewNop()}
	a := &app{service: upload.NewService(upload.Deps{}, upload.Options{})}
	router := newRouter(e, a)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/videos/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/upload-video", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
