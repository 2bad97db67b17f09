// host-model serves a text classification pipeline over HTTP.
//
//	POST /infer              {"data": "text"} => 1, 0 or "Unknown"
//	GET  /check/{splitName}  accuracy over a labelled dataset split
//	GET  /healthz
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jnb666/demos/pipeline"
	"github.com/jnb666/demos/settings"
	"github.com/jnb666/demos/textdata"
	"github.com/jnb666/demos/web"
	"go.uber.org/zap"
)

type hostSettings struct {
	settings.Common
	ModelPath    string `flag:"model-path" env:"MODEL_PATH" required:"true" usage:"exported pipeline directory"`
	DataPath     string `flag:"data-path" env:"DATA_PATH" required:"true" usage:"labelled dataset directory or hub dataset id"`
	Port         int    `flag:"application-port" env:"APPLICATION_PORT" default:"8000" usage:"listen port"`
	Host         string `flag:"host" env:"HOST" default:"0.0.0.0" usage:"listen address"`
	CacheDir     string `flag:"cache-dir" env:"CACHE_DIR" usage:"writable directory for hub dataset snapshots (default $TMPDIR/demos-cache)"`
	HFToken      string `flag:"hf-token" env:"HF_TOKEN" usage:"hub access token"`
	AuthUser     string `flag:"auth-user" env:"AUTH_USER" usage:"require basic auth with this user"`
	AuthPassword string `flag:"auth-password" env:"AUTH_PASSWORD" usage:"basic auth password"`
}

func main() {
	s := &hostSettings{}
	cmd := settings.NewCommand("host-model", "host-model-for-inferencing", "Host a text classification model for inference", s,
		func(ctx context.Context, log *zap.SugaredLogger) error {
			return run(ctx, s, log)
		})
	settings.Execute(cmd)
}

func run(ctx context.Context, s *hostSettings, log *zap.SugaredLogger) error {
	pipe := pipeline.NewLazy(s.ModelPath, log)
	defer pipe.Close()
	if _, err := pipe.Get(); err != nil {
		return err
	}
	if s.CacheDir == "" {
		s.CacheDir = filepath.Join(os.TempDir(), "demos-cache")
	}
	data := textdata.NewSource(s.DataPath, s.CacheDir, log)
	data.Token = s.HFToken

	srv := web.NewServer(pipe, data, log)
	if s.AuthUser != "" && s.AuthPassword != "" {
		srv.WithAuth(s.AuthUser, s.AuthPassword)
	}
	return web.ListenAndServe(ctx, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), srv.Router(), log)
}
