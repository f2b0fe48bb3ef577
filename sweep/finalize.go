package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/perfgo/sweepgo/command"
	"github.com/perfgo/sweepgo/model"
	"github.com/perfgo/sweepgo/supervisor"
)

// finish plots, mails and renames the run directory according to how the
// run ended, and returns the final status.
func (s *Sweep) finish(ctx context.Context, err error) model.Status {
	switch {
	case canceled(err) || ctx.Err() != nil:
		s.logger.Warn().Msg("Sweep canceled")
		s.rename(CanceledSuffix)
		return model.StatusCanceled
	case err != nil:
		s.logger.Error().Err(err).Msg("Sweep aborted")
		if cerr := s.copyErrorLogs(ctx); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to collect error logs")
		}
		s.rename(FailedSuffix)
		return model.StatusFailed
	}

	if s.success && s.cfg.Misc.Plot {
		s.plot(ctx)
	}
	if s.cfg.Misc.SendMail {
		s.mail(ctx)
	}
	if ctx.Err() != nil {
		s.rename(CanceledSuffix)
		return model.StatusCanceled
	}

	if s.success {
		if s.cfg.Misc.ChangeCnfExt {
			s.markDone()
		}
		s.setState(StateDone)
		return model.StatusFinished
	}

	if cerr := s.copyErrorLogs(ctx); cerr != nil {
		s.logger.Warn().Err(cerr).Msg("Failed to collect error logs")
	}
	s.rename(FailedSuffix)
	return model.StatusFailed
}

func (s *Sweep) plot(ctx context.Context) {
	bp, redo, err := s.sizes(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to look up buffer pool and redo sizes")
	}

	logs, _ := filepath.Glob(filepath.Join(s.dir, "*.log"))
	sort.Strings(logs)

	argv := []string{
		s.cfg.Misc.Plotter,
		"-p", s.dir,
		"-b", strconv.FormatInt(bp, 10),
		"-s", strconv.Itoa(s.cfg.Poll.Sysbench),
		"-d", strconv.Itoa(s.cfg.Benchmark.Duration),
		"-r", strconv.FormatInt(redo, 10),
	}
	argv = append(argv, logs...)
	s.runAux(ctx, argv, "Plotting results")
}

func (s *Sweep) mail(ctx context.Context) {
	archive, err := zipDir(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to archive the run directory")
		return
	}
	m := s.cfg.Misc
	argv := []string{
		m.Mailer,
		m.MailSender,
		m.MailRecipients,
		"-S", m.SMTPServer,
		"-P", strconv.Itoa(m.SMTPPort),
		"-s", "Logs and graphs for sweep " + filepath.Base(s.dir),
		"-a", archive,
		"-B", "Please see attached.",
	}
	s.runAux(ctx, argv, "Mailing results to "+m.MailRecipients)
}

// runAux runs a helper tool as a non-critical batch. Its failure never
// fails the sweep.
func (s *Sweep) runAux(ctx context.Context, argv []string, msg string) {
	s.sup.RunBatch(ctx, supervisor.Batch{
		Commands: []command.Runnable{&command.Command{Argv: argv}},
		Deadline: auxDeadline,
		Message:  msg,
	})
}

// rename moves the run directory to its suffixed name.
func (s *Sweep) rename(suffix string) {
	dst := s.dir + suffix
	if err := os.Rename(s.dir, dst); err != nil {
		s.logger.Error().Err(err).Str("dir", s.dir).Msg("Failed to rename run directory")
		return
	}
	s.dir = dst
}

// markDone renames the job file to .done so it is not picked up again.
func (s *Sweep) markDone() {
	src := s.cfg.Path
	if src == "" {
		return
	}
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".done"
	if err := os.Rename(src, dst); err != nil {
		s.logger.Warn().Err(err).Str("config", src).Msg("Failed to rename job file")
		return
	}
	s.logger.Info().Str("config", dst).Msg("Job file marked done")
}

// zipDir writes dir into dir.zip next to it, entries prefixed with the
// directory name.
func zipDir(dir string) (string, error) {
	dst := filepath.Clean(dir) + ".zip"
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	w := zip.NewWriter(f)
	base := filepath.Base(dir)
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		hdr.Method = zip.Deflate

		dstw, err := w.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dstw, src)
		return err
	})

	err = errors.Join(walkErr, w.Close(), f.Close())
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	return dst, nil
}

// artifacts lists the collected files of the run directory.
func (s *Sweep) artifacts() []model.Artifact {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []model.Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		t, ok := artifactType(e.Name())
		if !ok {
			continue
		}
		a := model.Artifact{Type: t, File: e.Name()}
		if info, err := e.Info(); err == nil {
			a.Size = uint64(info.Size())
		}
		out = append(out, a)
	}
	return out
}

func artifactType(name string) (model.ArtifactType, bool) {
	switch {
	case strings.HasSuffix(name, ".pb.gz"):
		return model.ArtifactTypePprofProfile, true
	case strings.HasSuffix(name, ".err"):
		return model.ArtifactTypeErrorLog, true
	}
	switch name {
	case "my.cnf", "bfappd.mysqld", "bfcsd.mysqld", "dmx_etc_config":
		return model.ArtifactTypeMySQLConfig, true
	case barfInfoFile, serverInfoFile:
		return model.ArtifactTypeServerInfo, true
	}
	return 0, false
}
