// Package fs is the local filesystem connector. Directories are containers,
// files are documents whose rows are decoded by pkg/format according to
// their media type, with transparent compression by file suffix.
//
// Connection URI: file:///absolute/root or file://relative/root. Paths are
// slash separated and relative to the root.
//
// Attributes: delimiter (csv separator), header (csv header row, default
// true).
package fs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/format"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// Scheme is the URI scheme of the connector
const Scheme = "file"

// NewProvider returns the filesystem provider
func NewProvider() connection.Provider {
	return &connection.SchemeProvider{
		ProviderName: "filesystem",
		Schemes:      []string{Scheme},
		OpenFunc: func(ctx context.Context, def *connection.Definition) (connection.DataSystem, error) {
			return Open(def)
		},
	}
}

// URI returns the connection URI of a directory
func URI(dir string) string {
	return Scheme + "://" + filepath.ToSlash(dir)
}

// System is the filesystem DataSystem
type System struct {
	root   string
	opts   format.Options
	header bool
	logger *zap.Logger
}

// Open creates a filesystem system rooted at the URI path
func Open(def *connection.Definition) (*System, error) {
	root := def.URI
	if i := strings.Index(root, ":"); i >= 0 && connection.Scheme(root) != "" {
		root = root[i+1:]
	}
	root = strings.TrimPrefix(root, "//")
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(filepath.FromSlash(root))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid root directory %q", root)
	}
	s := &System{
		root:   abs,
		header: true,
		logger: logger.With(zap.String("component", "filesystem"), zap.String("connection", def.Name)),
	}
	if d := def.Attributes.String("delimiter", ""); d != "" {
		s.opts.Delimiter = []rune(d)[0]
	}
	if s.header, err = def.Attributes.Bool("header", true); err != nil {
		return nil, err
	}
	s.opts.NoHeader = !s.header
	return s, nil
}

// Root returns the absolute root directory
func (s *System) Root() string { return s.root }

// Types implements connection.DataSystem
func (s *System) Types() *types.System { return format.Types }

// CurrentPath implements connection.DataSystem
func (s *System) CurrentPath() string { return "." }

// Abs returns the absolute file name of a DataPath
func (s *System) Abs(dp *connection.DataPath) string {
	return dp.Payload().(string)
}

// Resolve implements connection.DataSystem
func (s *System) Resolve(dp *connection.DataPath) error {
	p := dp.Path()
	abs := filepath.FromSlash(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	dp.SetPayload(filepath.Clean(abs))

	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir(), dp.MediaType() == connection.MediaTypeDirectory, p == "." || p == "":
		dp.SetKind(connection.KindContainer)
		dp.SetMediaType(connection.MediaTypeDirectory)
		return nil
	}
	dp.SetKind(connection.KindDocument)
	if dp.MediaType() == connection.MediaTypeUnknown {
		mt := connection.MediaTypeFromPath(p)
		if mt == connection.MediaTypeUnknown {
			mt = connection.MediaTypeText
		}
		dp.SetMediaType(mt)
	}
	return nil
}

// Exists implements connection.DataSystem
func (s *System) Exists(ctx context.Context, dp *connection.DataPath) (bool, error) {
	_, err := os.Stat(s.Abs(dp))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Ping checks that the root directory is reachable
func (s *System) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Newf(errors.ErrorTypeConnection, "%s is not a directory", s.root)
	}
	return nil
}

// Close implements connection.DataSystem
func (s *System) Close() error { return nil }

// Children implements connection.Enumerable. The pattern is matched on the
// path relative to the container; without '**' the walk stops at the
// pattern depth.
func (s *System) Children(ctx context.Context, dp *connection.DataPath, pattern string) ([]string, error) {
	if dp.Kind() != connection.KindContainer {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s is not a directory", dp.ID())
	}
	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	maxDepth := strings.Count(pattern, "/") + 1
	if strings.Contains(pattern, "**") {
		maxDepth = -1
	}

	base := s.Abs(dp)
	var children []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == base {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		depth := strings.Count(rel, "/") + 1
		if maxDepth > 0 && depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Match(rel) {
			children = append(children, s.relative(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// relative returns the connection path of an absolute file name
func (s *System) relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Create implements connection.Creatable. A tabular document is created
// with the empty encoding of its relation (csv header, empty json array).
func (s *System) Create(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef) error {
	abs := s.Abs(dp)
	if dp.Kind() == connection.KindContainer {
		return os.MkdirAll(abs, 0o755)
	}
	if _, err := os.Stat(abs); err == nil {
		return errors.Newf(errors.ErrorTypeConflict, "%s already exists", dp.ID())
	}
	return s.writeEmpty(dp, rel)
}

func (s *System) writeEmpty(dp *connection.DataPath, rel *relation.RelationDef) (err error) {
	abs := s.Abs(dp)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.Create(abs)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	codec, ok := dp.MediaType().Codec()
	if !ok || codec == format.Text || codec == format.JSONL {
		return nil
	}
	alg, _ := compression.FromPath(abs)
	cw, err := compression.NewWriter(alg, f)
	if err != nil {
		return err
	}
	enc, err := format.NewWriter(codec, cw, rel, s.options(dp), s.header)
	if err != nil {
		return err
	}
	return multierr.Combine(enc.Close(), cw.Close())
}

// Drop implements connection.Droppable
func (s *System) Drop(ctx context.Context, dp *connection.DataPath) error {
	abs := s.Abs(dp)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	if dp.Kind() == connection.KindContainer {
		if abs == s.root {
			return errors.Newf(errors.ErrorTypeValidation, "the root directory of %s cannot be dropped", dp.Connection().Name())
		}
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

// Truncate implements connection.Droppable. A directory loses its content,
// a document keeps only its empty encoding.
func (s *System) Truncate(ctx context.Context, dp *connection.DataPath) error {
	abs := s.Abs(dp)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	if dp.Kind() == connection.KindContainer {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return err
		}
		var errs error
		for _, e := range entries {
			errs = multierr.Append(errs, os.RemoveAll(filepath.Join(abs, e.Name())))
		}
		return errs
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return err
	}
	return s.writeEmpty(dp, rel)
}

func (s *System) options(dp *connection.DataPath) format.Options {
	opts := s.opts
	if d, ok := dp.Attributes().Value("delimiter"); ok && d != "" {
		opts.Delimiter = []rune(d)[0]
	}
	if h, err := dp.Attributes().Bool("header", !opts.NoHeader); err == nil {
		opts.NoHeader = !h
	}
	if strings.HasSuffix(strings.ToLower(trimCompression(dp.Path())), ".tsv") && opts.Delimiter == 0 {
		opts.Delimiter = '\t'
	}
	return opts
}

func trimCompression(p string) string {
	_, stripped := compression.FromPath(p)
	return stripped
}

func (s *System) codec(dp *connection.DataPath) (format.Codec, error) {
	codec, ok := dp.MediaType().Codec()
	if !ok {
		return "", errors.Newf(errors.ErrorTypeCapability, "%s has media type %q and holds no rows", dp.ID(), dp.MediaType())
	}
	return codec, nil
}

// openDecoded opens a document through its compression codec
func (s *System) openDecoded(dp *connection.DataPath) (io.ReadCloser, error) {
	abs := s.Abs(dp)
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	alg, _ := compression.FromPath(abs)
	r, err := compression.NewReader(alg, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &decodedFile{ReadCloser: r, file: f}, nil
}

type decodedFile struct {
	io.ReadCloser
	file *os.File
}

func (d *decodedFile) Close() error {
	return multierr.Combine(d.ReadCloser.Close(), d.file.Close())
}

// Describe implements connection.Readable
func (s *System) Describe(ctx context.Context, dp *connection.DataPath) (*relation.RelationDef, error) {
	codec, ok := dp.MediaType().Codec()
	if !ok {
		return relation.New(), nil
	}
	r, err := s.openDecoded(dp)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return format.Describe(codec, r, s.options(dp))
}

// Select implements connection.Readable
func (s *System) Select(ctx context.Context, dp *connection.DataPath) (stream.SelectStream, error) {
	codec, err := s.codec(dp)
	if err != nil {
		return nil, err
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	f, err := format.NewFetcher(ctx, func() (io.ReadCloser, error) { return s.openDecoded(dp) }, codec, s.options(dp), rel)
	if err != nil {
		return nil, err
	}
	return stream.NewCursor(dp.ID(), f.Relation(), f, dp.Connection().Collector()), nil
}

// Insert implements connection.Writable. Rows are appended to csv, json
// lines and text files; json arrays and yaml sequences are rewritten with
// their previous rows first.
func (s *System) Insert(ctx context.Context, dp *connection.DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	if opts.Operation == stream.OperationUpsert {
		return nil, errors.Newf(errors.ErrorTypeCapability, "upsert is not supported on file %s", dp.ID())
	}
	codec, err := s.codec(dp)
	if err != nil {
		return nil, err
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	if rel.Empty() && codec != format.Text {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s has no columns to write", dp.ID())
	}

	abs := s.Abs(dp)
	info, statErr := os.Stat(abs)
	existing := statErr == nil && info.Size() > 0

	var previous [][]any
	if existing && !codec.Appendable() {
		sel, err := s.Select(ctx, dp)
		if err != nil {
			return nil, err
		}
		if previous, err = stream.Collect(ctx, sel); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	header := s.header
	if existing && codec.Appendable() {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		header = false
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return nil, err
	}
	alg, _ := compression.FromPath(abs)
	cw, err := compression.NewWriter(alg, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	enc, err := format.NewWriter(codec, cw, rel, s.options(dp), header)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &fileWriter{file: f, compressor: cw, encoder: enc}
	if len(previous) > 0 {
		if err := w.WriteBatch(ctx, previous); err != nil {
			w.Close(ctx)
			return nil, err
		}
	}
	s.logger.Debug("file opened for writing",
		zap.String("file", abs),
		zap.Bool("append", flags&os.O_APPEND != 0),
		zap.Int("rewritten_rows", len(previous)))
	return stream.NewBatchInserter(dp.ID(), rel, w, opts, dp.Connection().Collector()), nil
}

// OpenBlob implements connection.BlobReader
func (s *System) OpenBlob(ctx context.Context, dp *connection.DataPath) (io.ReadCloser, error) {
	return os.Open(s.Abs(dp))
}

// CreateBlob implements connection.BlobWriter
func (s *System) CreateBlob(ctx context.Context, dp *connection.DataPath) (io.WriteCloser, error) {
	abs := s.Abs(dp)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	return os.Create(abs)
}

type fileWriter struct {
	file       *os.File
	compressor io.WriteCloser
	encoder    format.Writer
}

func (w *fileWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	for _, row := range rows {
		if err := w.encoder.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (w *fileWriter) Close(ctx context.Context) error {
	return multierr.Combine(w.encoder.Close(), w.compressor.Close(), w.file.Close())
}

// Join returns the slash path of elem under a container path
func Join(container string, elem ...string) string {
	if container == "." {
		container = ""
	}
	return path.Join(append([]string{container}, elem...)...)
}
