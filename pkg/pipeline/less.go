package pipeline

import (
	"context"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

func (s *Session) compileLess(ctx context.Context) error {
	p := s.Project
	sources, err := stream.Src(ctx, p.Root, LessSources)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		buildsys.Log(ctx).Warn().Msgf("no files match %s", LessSources)
		return nil
	}

	includePath := "--include-path=" + p.Path("less", "includes")
	err = sources.Map(func(f *stream.File) error {
		css, err := s.runTool(ctx, "less file compilation error", p.Config.Tools.Lessc, includePath, f.Path)
		if err != nil {
			return err
		}

		f.Contents = css
		return nil
	})
	if err != nil {
		return err
	}

	bundle := sources.Concat(p.Manifest.CSSFile(), "\n")
	return stream.Files{bundle}.Dest(p.Path(DistDir))
}
