package libs

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// ErrUnsupportedArchive is returned for URLs without a known archive extension
var ErrUnsupportedArchive = eris.New("archive format not supported")

type extractor func(archive *os.File, dest string, strip int, bar *progressbar.ProgressBar) error

func getExtractor(url string) (extractor, error) {
	// query strings don't count for the file type
	if pos := strings.IndexAny(url, "?#"); pos > -1 {
		url = url[:pos]
	}

	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, dest string, strip int, bar *progressbar.ProgressBar) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, dest, strip, bar)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, dest string, strip int, bar *progressbar.ProgressBar) error {
			return extractTar(bzip2.NewReader(f), f, dest, strip, bar)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, dest string, strip int, bar *progressbar.ProgressBar) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, dest, strip, bar)
		}, nil
	}

	return nil, eris.Wrapf(ErrUnsupportedArchive, "can't extract %s", url)
}

func extract(archive, url, dest string, strip int, progress io.Writer) error {
	extractFn, err := getExtractor(url)
	if err != nil {
		return err
	}

	handle, err := os.Open(archive)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", archive)
	}
	defer handle.Close()

	info, err := handle.Stat()
	if err != nil {
		return err
	}

	if err = os.MkdirAll(dest, 0o770); err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	bar := progressBar(progress, info.Size(), "extract")
	if err = extractFn(handle, dest, strip, bar); err != nil {
		return err
	}
	return bar.Finish()
}

// entryPath strips the first strip elements from an archive entry name and joins the rest with dest.
// An empty result means the entry should be skipped.
func entryPath(dest, name string, strip int) (string, error) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(name), "/"), "/")
	if len(parts) <= strip {
		return "", nil
	}

	rel := filepath.FromSlash(strings.Join(parts[strip:], "/"))
	result := filepath.Join(dest, rel)
	if !within(dest, result) {
		return "", eris.Errorf("archive entry %s points outside of %s", name, dest)
	}
	return result, nil
}

func within(root, path string) bool {
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// checkResolved makes sure that path stays inside dest once the symlinks of its existing ancestors
// (possibly created by earlier entries of the same archive) are followed.
func checkResolved(dest, path string) error {
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", dest)
	}

	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	realPath, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", existing)
	}

	if !within(realDest, realPath) {
		return eris.Errorf("%s resolves to %s which is outside of %s", path, realPath, dest)
	}
	return nil
}

func createEntry(dest, path string, mode os.FileMode) (*os.File, error) {
	if err := checkResolved(dest, filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", filepath.Dir(path))
	}

	// never write through a link left by an earlier entry
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err = os.Remove(path); err != nil {
			return nil, eris.Wrapf(err, "failed to replace symlink %s", path)
		}
	}

	handle, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o600)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", path)
	}
	return handle, nil
}

func trackPosition(f *os.File, bar *progressbar.ProgressBar) {
	if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
		bar.Set64(pos)
	}
}

func extractZip(f *os.File, dest string, strip int, bar *progressbar.ProgressBar) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, info.Size())
	if err != nil {
		return eris.Wrap(err, "failed to read zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		path, err := entryPath(dest, item.Name, strip)
		if err != nil {
			return err
		}
		if path == "" {
			continue
		}

		if err = copyZipEntry(item, dest, path); err != nil {
			return err
		}
		trackPosition(f, bar)
	}

	return nil
}

func copyZipEntry(item *zip.File, dest, path string) error {
	reader, err := item.Open()
	if err != nil {
		return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
	}
	defer reader.Close()

	handle, err := createEntry(dest, path, item.Mode().Perm())
	if err != nil {
		return err
	}
	defer handle.Close()

	if _, err = io.Copy(handle, reader); err != nil {
		return eris.Wrapf(err, "failed to write extracted file %s", path)
	}
	return handle.Close()
}

func extractTar(r io.Reader, f *os.File, dest string, strip int, bar *progressbar.ProgressBar) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		path, err := entryPath(dest, item.Name, strip)
		if err != nil {
			return err
		}
		if path == "" {
			continue
		}

		switch item.Typeflag {
		case tar.TypeDir:
			if err = checkResolved(dest, path); err != nil {
				return err
			}

			if err = os.MkdirAll(path, 0o770); err != nil {
				return eris.Wrapf(err, "failed to create directory %s", path)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(item.Linkname) || !within(dest, filepath.Join(filepath.Dir(path), item.Linkname)) {
				return eris.Errorf("symlink %s points outside of %s", item.Name, dest)
			}

			if err = checkResolved(dest, filepath.Dir(path)); err != nil {
				return err
			}

			if err = os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
				return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(path))
			}

			os.Remove(path)
			if err = os.Symlink(item.Linkname, path); err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", path, item.Linkname)
			}
		case tar.TypeReg:
			handle, err := createEntry(dest, path, item.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}

			_, err = io.Copy(handle, archive)
			handle.Close()
			if err != nil {
				return eris.Wrapf(err, "failed to write extracted file %s", path)
			}
		}

		trackPosition(f, bar)
	}

	return nil
}
