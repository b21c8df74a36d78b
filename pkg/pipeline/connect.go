package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/devserver"
)

func (s *Session) connect(ctx context.Context) error {
	s.lock.Lock()
	running := s.server != nil
	s.lock.Unlock()
	if running {
		return eris.New("the dev server is already running")
	}

	cfg := s.Project.Config.Server
	server, err := devserver.New(devserver.Options{
		Root:        s.Project.Root,
		Address:     cfg.Address,
		LiveReload:  cfg.LiveReload,
		Fallback:    cfg.Fallback,
		ProxyPath:   cfg.ProxyPath,
		ProxyTarget: cfg.ProxyTarget,
		Logger:      buildsys.Log(ctx),
	})
	if err != nil {
		return err
	}

	// the run context ends with the run, the server has to live as long as the session
	if err = server.Start(s.ctx); err != nil {
		return err
	}

	s.lock.Lock()
	s.server = server
	s.lock.Unlock()
	return nil
}
