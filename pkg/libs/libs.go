// Package libs downloads pre-built front-end libraries listed in libs.yml and unpacks them into the
// project.
package libs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
)

const (
	// ManifestFile lists the libraries
	ManifestFile = "libs.yml"
	// StampFile remembers what has been extracted already
	StampFile = "libs.stamps"
)

// ErrChecksum is returned if a download doesn't match its sha256
var ErrChecksum = eris.New("checksum mismatch")

// Spec describes a single library archive
type Spec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string `yaml:"url"`
	Dest       string `yaml:"dest"`
	Sha256     string `yaml:"sha256"`
	Strip      int    `yaml:"strip"`
}

// Manifest is the content of libs.yml
type Manifest struct {
	Vars map[string]string `yaml:"vars"`
	Libs map[string]Spec   `yaml:"libs"`
}

// Options control Fetch
type Options struct {
	Root string
	// Update replaces wrong or missing checksums in libs.yml instead of failing
	Update bool
	Client *http.Client
	// Progress receives progress bars; nil hides them
	Progress io.Writer
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

// Resolve substitutes {VAR} placeholders in the URL and reports whether the if/ifNot conditions hold.
// Both are comma separated lists of variable names; a variable counts as set if it's non-empty.
func (s *Spec) Resolve(vars map[string]string) bool {
	s.URL = varMatcher.ReplaceAllStringFunc(s.URL, func(placeholder string) string {
		return vars[placeholder[1:len(placeholder)-1]]
	})

	for _, name := range strings.Split(s.Condition, ",") {
		name = strings.TrimSpace(name)
		if name != "" && vars[name] == "" {
			return false
		}
	}

	for _, name := range strings.Split(s.Rejections, ",") {
		name = strings.TrimSpace(name)
		if name != "" && vars[name] != "" {
			return false
		}
	}
	return true
}

func (s *Spec) stamp() string {
	return s.URL + "#" + s.Sha256
}

func readStamps(path string) (map[string]string, error) {
	stamps := map[string]string{}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return stamps, nil
		}
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	if err = json.Unmarshal(data, &stamps); err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}
	return stamps, nil
}

func writeStamps(path string, stamps map[string]string) error {
	data, err := json.MarshalIndent(stamps, "", "  ")
	if err != nil {
		return err
	}

	return ioutil.WriteFile(path, data, 0o660)
}

func progressBar(w io.Writer, length int64, desc string) *progressbar.ProgressBar {
	if w == nil {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(length,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() {
			io.WriteString(w, "\n")
		}),
	)
}

// Fetch downloads and extracts every library in libs.yml whose conditions hold and which isn't
// extracted already
func Fetch(ctx context.Context, opts Options) error {
	logger := buildsys.Log(ctx)
	manifestPath := filepath.Join(opts.Root, ManifestFile)
	manifestData, err := ioutil.ReadFile(manifestPath)
	if err != nil {
		return eris.Wrapf(err, "could not open %s", manifestPath)
	}

	var manifest Manifest
	if err = yaml.Unmarshal(manifestData, &manifest); err != nil {
		return eris.Wrapf(err, "failed to parse %s", manifestPath)
	}

	stampPath := filepath.Join(opts.Root, StampFile)
	stamps, err := readStamps(stampPath)
	if err != nil {
		return err
	}

	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Minute}
	}

	vars := map[string]string{
		runtime.GOOS:   "true",
		runtime.GOARCH: "true",
	}
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	for k, v := range manifest.Vars {
		vars[k] = v
	}

	names := make([]string, 0, len(manifest.Libs))
	for name := range manifest.Libs {
		names = append(names, name)
	}
	sort.Strings(names)

	checksums := map[string]string{}
	for _, name := range names {
		spec := manifest.Libs[name]
		// placeholders have to be resolved even for skipped entries when updating checksums
		skip := !spec.Resolve(vars)
		if skip && !opts.Update {
			continue
		}

		destPath := filepath.Join(opts.Root, filepath.FromSlash(spec.Dest))
		_, statErr := os.Stat(destPath)
		if !opts.Update && stamps[name] == spec.stamp() && statErr == nil {
			logger.Debug().Str("lib", name).Msg("up to date")
			continue
		}

		if spec.Sha256 == "" && !opts.Update {
			return eris.Errorf("library %s doesn't have a checksum", name)
		}

		logger.Info().Str("lib", name).Str("url", spec.URL).Msg("downloading")
		archive, digest, err := download(ctx, opts, spec.URL)
		if err != nil {
			return err
		}
		defer os.Remove(archive)

		if digest != spec.Sha256 {
			if !opts.Update {
				return eris.Wrapf(ErrChecksum, "%s: expected %s but got %s", name, spec.Sha256, digest)
			}

			logger.Info().Str("lib", name).Msg("updating checksum")
			checksums[name] = digest
			spec.Sha256 = digest
		}

		if skip {
			continue
		}

		if err = os.RemoveAll(destPath); err != nil {
			return eris.Wrapf(err, "failed to remove %s", destPath)
		}

		if err = extract(archive, spec.URL, destPath, spec.Strip, opts.Progress); err != nil {
			return eris.Wrapf(err, "failed to extract %s", name)
		}

		stamps[name] = spec.stamp()
		if err = writeStamps(stampPath, stamps); err != nil {
			return eris.Wrapf(err, "failed to write %s", stampPath)
		}
	}

	if len(checksums) > 0 {
		updated, err := UpdateChecksums(manifestData, checksums)
		if err != nil {
			return err
		}

		if err = ioutil.WriteFile(manifestPath, updated, 0o660); err != nil {
			return eris.Wrapf(err, "failed to write %s", manifestPath)
		}
	}

	return nil
}

// download stores url in a temporary file and returns its path together with the sha256 digest
func download(ctx context.Context, opts Options, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", eris.Wrapf(err, "invalid URL %s", url)
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		return "", "", eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", eris.Errorf("download of %s failed with status %s", url, resp.Status)
	}

	handle, err := ioutil.TempFile("", "libs-dl-*.tmp")
	if err != nil {
		return "", "", eris.Wrap(err, "failed to create temporary file")
	}
	defer handle.Close()

	hash := sha256.New()
	bar := progressBar(opts.Progress, resp.ContentLength, "download")
	if _, err = io.Copy(io.MultiWriter(handle, hash, bar), resp.Body); err != nil {
		os.Remove(handle.Name())
		return "", "", eris.Wrapf(err, "failed during download of %s", url)
	}
	bar.Finish()

	return handle.Name(), hex.EncodeToString(hash.Sum(nil)), nil
}

// UpdateChecksums rewrites the sha256 values of the given libraries in the libs.yml source. Everything
// else (including comments and formatting) is kept.
func UpdateChecksums(source []byte, checksums map[string]string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, err
	}

	lines := strings.Split(string(source), "\n")
	libs := mappingValue(&doc, "libs")
	if libs == nil {
		return nil, eris.New("libs.yml has no libs section")
	}

	// edit from the bottom up so that inserted lines don't shift the following positions
	type edit struct {
		line, column int
		name, value  string
		insert       bool
		quoted       bool
	}
	edits := make([]edit, 0, len(checksums))

	for name, checksum := range checksums {
		entry := mappingValue(libs, name)
		if entry == nil || entry.Kind != yaml.MappingNode || len(entry.Content) == 0 {
			return nil, eris.Errorf("failed to find the section for %s", name)
		}

		if current := mappingValue(entry, "sha256"); current != nil {
			edits = append(edits, edit{
				line:   current.Line,
				column: current.Column,
				name:   current.Value,
				value:  checksum,
				quoted: current.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) != 0,
			})
		} else {
			first := entry.Content[0]
			edits = append(edits, edit{line: first.Line, column: first.Column, value: checksum, insert: true})
		}
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].line > edits[j].line })
	for _, e := range edits {
		idx := e.line - 1
		if e.insert {
			indent := strings.Repeat(" ", e.column-1)
			lines = append(lines[:idx], append([]string{indent + "sha256: " + e.value}, lines[idx:]...)...)
			continue
		}

		line := lines[idx]
		start := e.column - 1
		end := start + len(e.name)
		if e.quoted {
			end += 2
		}
		if end > len(line) {
			end = len(line)
		}
		lines[idx] = line[:start] + e.value + line[end:]
	}

	return []byte(strings.Join(lines, "\n")), nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}

	if node.Kind != yaml.MappingNode {
		return nil
	}

	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		if node.Content[idx].Value == key {
			return node.Content[idx+1]
		}
	}
	return nil
}
