package algorithm

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/seantiz/crucible/internal/storage"
)

// skippedDirs are never packaged.
var skippedDirs = map[string]bool{".git": true, "__pycache__": true, ".venv": true, "node_modules": true}

// file is one packaged file keyed by its forward-slash relative path.
type file struct {
	Path string
	Data []byte
}

// pkg is a package directory split into code module and assets.
type pkg struct {
	Module []file
	Assets []file
}

// readPackage walks dir and classifies every file. Files matching patterns
// and the entrypoint form the module, everything else except the manifest is
// an asset. The manifest is carried by the descriptor, so packages with equal
// code hash equal regardless of their metadata.
func readPackage(dir string, m *Manifest) (*pkg, error) {
	p := &pkg{}
	err := filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if full != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFile {
			return nil
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		f := file{Path: rel, Data: data}
		if isModuleFile(rel, m) {
			p.Module = append(p.Module, f)
		} else {
			p.Assets = append(p.Assets, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk package: %w", err)
	}
	sort.Slice(p.Module, func(i, j int) bool { return p.Module[i].Path < p.Module[j].Path })
	sort.Slice(p.Assets, func(i, j int) bool { return p.Assets[i].Path < p.Assets[j].Path })
	return p, nil
}

func isModuleFile(rel string, m *Manifest) bool {
	if rel == m.Entrypoint {
		return true
	}
	base := path.Base(rel)
	for _, pattern := range m.ModulePatterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (p *pkg) has(rel string) bool {
	for _, f := range p.Module {
		if f.Path == rel {
			return true
		}
	}
	return false
}

// hashFiles returns a digest over the sorted paths and contents of files.
func hashFiles(files []file) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\x00", f.Path, len(f.Data))
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashAssets returns a digest over the sorted paths and per-file hashes.
func hashAssets(files []file) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.Path, storage.ContentHash(f.Data))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func totalSize(files []file) int64 {
	var n int64
	for _, f := range files {
		n += int64(len(f.Data))
	}
	return n
}

// archive packs files into a deterministic tar.gz: entries are sorted and
// carry no timestamps, so equal content yields equal bytes.
func archive(files []file) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		mode := int64(0o644)
		if bytes.HasPrefix(f.Data, []byte("#!")) {
			mode = 0o755
		}
		hdr := &tar.Header{Name: f.Path, Mode: mode, Size: int64(len(f.Data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

var maxMinifyLine = 16 << 20

// lineComment maps code file extensions to their full-line comment marker.
var lineComment = map[string]string{
	".py": "#", ".sh": "#", ".rb": "#", ".pl": "#",
	".js": "//", ".lua": "--",
}

// minify strips full-line comments, trailing whitespace and blank lines from
// code files. A leading shebang is kept. Files with unknown extensions pass
// through unchanged. A line longer than maxMinifyLine fails the file.
func minify(files []file) ([]file, error) {
	out := make([]file, len(files))
	for i, f := range files {
		marker, ok := lineComment[path.Ext(f.Path)]
		if !ok {
			out[i] = f
			continue
		}
		var b strings.Builder
		sc := bufio.NewScanner(bytes.NewReader(f.Data))
		sc.Buffer(make([]byte, 0, min(64*1024, maxMinifyLine)), maxMinifyLine)
		first := true
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), " \t\r")
			keep := line != "" && !strings.HasPrefix(strings.TrimSpace(line), marker)
			if first && strings.HasPrefix(line, "#!") {
				keep = true
			}
			first = false
			if keep {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("minify %s: %w", f.Path, err)
		}
		out[i] = file{Path: f.Path, Data: []byte(b.String())}
	}
	return out, nil
}
