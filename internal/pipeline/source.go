package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hpungsan/ignitron/internal/errors"
)

// maxLineSize bounds a single log line. Preset payloads arrive on one line
// in device logs and can be large.
const maxLineSize = 16 * 1024 * 1024

// FolderExtensions are the file types picked up by ConvertFolder.
var FolderExtensions = []string{".txt", ".log"}

// FeedReader feeds every line of r into the pipeline. It does not flush the
// scanner; call EndSource or Finish afterwards.
func (p *Pipeline) FeedReader(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelled("convert")
		}
		p.FeedLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read lines: %w", err)
	}
	return nil
}

// ConvertFile runs a fresh pipeline over one saved log or dump file.
func ConvertFile(ctx context.Context, path string, opts Options) (*Result, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}

	p := New(opts)
	p.preinstallFilter([]string{path})
	if err := p.feedFile(ctx, path); err != nil {
		if errors.Is(err, errors.ErrCancelled) {
			_, _ = p.Finish()
			return nil, err
		}
		// Lines read before the failure still count.
		p.logger.Warn("source read stopped early", "path", path, "error", err)
	}
	return p.Finish()
}

// ConvertFolder runs one pipeline over every .txt and .log file in dir, in
// name order. Files that cannot be read are logged and skipped.
func ConvertFolder(ctx context.Context, dir string, opts Options) (*Result, error) {
	files, err := FolderSources(dir)
	if err != nil {
		return nil, err
	}

	p := New(opts)
	p.preinstallFilter(files)
	for _, path := range files {
		if err := p.feedFile(ctx, path); err != nil {
			if errors.Is(err, errors.ErrCancelled) {
				_, _ = p.Finish()
				return nil, err
			}
			p.logger.Warn("skipping unreadable source", "path", path, "error", err)
			continue
		}
	}
	return p.Finish()
}

// FolderSources lists the convertible files directly inside dir.
func FolderSources(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(dir)
		}
		return nil, errors.NewInternal(err)
	}
	if !info.IsDir() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("%s is not a directory", dir))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("read %s: %w", dir, err))
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !hasFolderExtension(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, errors.NewNotFound(filepath.Join(dir, "*.txt|*.log"))
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) feedFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	p.AddSource(path)
	p.logger.Debug("reading source", "path", path)
	err = p.FeedReader(ctx, f)
	p.EndSource()
	return err
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFound(path)
		}
		return errors.NewInternal(err)
	}
	if info.IsDir() {
		return errors.NewInvalidRequest(fmt.Sprintf("%s is a directory; use convert-folder", path))
	}
	return nil
}

func hasFolderExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range FolderExtensions {
		if ext == want {
			return true
		}
	}
	return false
}
