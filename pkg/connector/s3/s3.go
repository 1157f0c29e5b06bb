// Package s3 is the object storage connector. A bucket (optionally under a
// key prefix) is the root container; objects are documents decoded by
// pkg/format like local files. Key prefixes ending with '/' are containers.
//
// Connection URI: s3://bucket/prefix
//
// Attributes: region, endpoint (S3 compatible stores), pathStyle,
// accessKeyId, secretAccessKey, sessionToken, partSize (upload part size in
// MiB), concurrency (upload parts in flight), delimiter and header (csv).
package s3

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
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
const Scheme = "s3"

// NewProvider returns the s3 provider
func NewProvider() connection.Provider {
	return &connection.SchemeProvider{
		ProviderName: "s3",
		Schemes:      []string{Scheme},
		OpenFunc: func(ctx context.Context, def *connection.Definition) (connection.DataSystem, error) {
			return Open(ctx, def)
		},
	}
}

// Location is the bucket and key prefix of a connection
type Location struct {
	Bucket string
	Prefix string
}

// ParseURI splits s3://bucket/prefix. The prefix never starts with '/' and
// ends with '/' when not empty.
func ParseURI(uri string) (Location, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "%q is not an s3:// uri", uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "the uri %q has no bucket", uri)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return Location{Bucket: bucket, Prefix: prefix}, nil
}

// Key returns the object key of a connection path
func (l Location) Key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		p = ""
	}
	return l.Prefix + p
}

// Path returns the connection path of an object key
func (l Location) Path(key string) string {
	return strings.TrimPrefix(key, l.Prefix)
}

// System is the s3 DataSystem
type System struct {
	loc      Location
	client   *s3.Client
	uploader *manager.Uploader
	opts     format.Options
	header   bool
	logger   *zap.Logger
}

// Open loads the AWS configuration of the connection and creates the client.
// No request is sent.
func Open(ctx context.Context, def *connection.Definition) (*System, error) {
	loc, err := ParseURI(def.URI)
	if err != nil {
		return nil, err
	}
	attrs := def.Attributes

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := attrs.String("region", ""); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if id := attrs.String("accessKeyId", ""); id != "" {
		provider := credentials.NewStaticCredentialsProvider(id, attrs.String("secretAccessKey", ""), attrs.String("sessionToken", ""))
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: unable to load the aws configuration", def.Name)
	}

	pathStyle, err := attrs.Bool("pathStyle", false)
	if err != nil {
		return nil, err
	}
	endpoint := attrs.String("endpoint", "")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	partSize, err := attrs.Int("partSize", 10)
	if err != nil {
		return nil, err
	}
	concurrency, err := attrs.Int("concurrency", 5)
	if err != nil {
		return nil, err
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = int64(partSize) * 1024 * 1024
		u.Concurrency = concurrency
	})

	s := &System{
		loc:      loc,
		client:   client,
		uploader: uploader,
		header:   true,
		logger: logger.With(zap.String("component", "s3"),
			zap.String("connection", def.Name),
			zap.String("bucket", loc.Bucket)),
	}
	if d := attrs.String("delimiter", ""); d != "" {
		s.opts.Delimiter = []rune(d)[0]
	}
	if s.header, err = attrs.Bool("header", true); err != nil {
		return nil, err
	}
	s.opts.NoHeader = !s.header
	return s, nil
}

// Location returns the bucket and prefix
func (s *System) Location() Location { return s.loc }

// Types implements connection.DataSystem
func (s *System) Types() *types.System { return format.Types }

// CurrentPath implements connection.DataSystem
func (s *System) CurrentPath() string { return "" }

func (s *System) key(dp *connection.DataPath) string {
	return dp.Payload().(string)
}

// Resolve implements connection.DataSystem
func (s *System) Resolve(dp *connection.DataPath) error {
	p := dp.Path()
	key := s.loc.Key(p)
	if p == "" || p == "." || strings.HasSuffix(p, "/") || dp.MediaType() == connection.MediaTypeDirectory {
		if key != "" && !strings.HasSuffix(key, "/") {
			key += "/"
		}
		dp.SetPayload(key)
		dp.SetKind(connection.KindContainer)
		dp.SetMediaType(connection.MediaTypeDirectory)
		return nil
	}
	dp.SetPayload(key)
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

func notFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

// Exists implements connection.DataSystem. A container exists when it holds
// at least one object.
func (s *System) Exists(ctx context.Context, dp *connection.DataPath) (bool, error) {
	if dp.Kind() == connection.KindContainer {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.loc.Bucket),
			Prefix:  aws.String(s.key(dp)),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return false, s.wrap(err, dp)
		}
		return len(out.Contents) > 0 || s.key(dp) == "", nil
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.key(dp)),
	})
	if err == nil {
		return true, nil
	}
	if notFound(err) {
		return false, nil
	}
	return false, s.wrap(err, dp)
}

// size returns the object length, -1 when absent
func (s *System) size(ctx context.Context, dp *connection.DataPath) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.key(dp)),
	})
	if err != nil {
		if notFound(err) {
			return -1, nil
		}
		return 0, s.wrap(err, dp)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *System) wrap(err error, dp *connection.DataPath) error {
	if notFound(err) {
		return errors.Wrapf(err, errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	return errors.Wrapf(err, errors.ErrorTypeConnection, "s3 request on %s failed", dp.ID())
}

// Ping checks the bucket is reachable
func (s *System) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.loc.Bucket)})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "bucket %s is not accessible", s.loc.Bucket)
	}
	return nil
}

// Close implements connection.DataSystem
func (s *System) Close() error { return nil }

// keys lists the object keys under a prefix
func (s *System) keys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.loc.Bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Children implements connection.Enumerable
func (s *System) Children(ctx context.Context, dp *connection.DataPath, pattern string) ([]string, error) {
	if dp.Kind() != connection.KindContainer {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s is not a container", dp.ID())
	}
	keys, err := s.keys(ctx, s.key(dp))
	if err != nil {
		return nil, s.wrap(err, dp)
	}
	matched, err := MatchKeys(keys, s.key(dp), pattern)
	if err != nil {
		return nil, err
	}
	children := make([]string, len(matched))
	for i, k := range matched {
		children[i] = s.loc.Path(k)
	}
	return children, nil
}

// MatchKeys filters the keys under base with a glob pattern matched on the
// key relative to base. Without '**' a key deeper than the pattern yields
// its intermediate prefix (with a trailing '/') once, the way a directory
// listing shows a sub directory.
func MatchKeys(keys []string, base, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	depth := strings.Count(pattern, "/") + 1
	recursive := strings.Contains(pattern, "**")

	seen := make(map[string]bool)
	var out []string
	for _, key := range keys {
		rel, ok := strings.CutPrefix(key, base)
		if !ok || rel == "" {
			continue
		}
		candidate, name := key, rel
		if !recursive {
			parts := strings.SplitN(rel, "/", depth+1)
			if len(parts) > depth {
				name = strings.Join(parts[:depth], "/")
				candidate = base + name + "/"
			}
		}
		if seen[candidate] || !matcher.Match(strings.TrimSuffix(name, "/")) {
			continue
		}
		seen[candidate] = true
		out = append(out, candidate)
	}
	return out, nil
}

// Create implements connection.Creatable. Containers are implicit.
func (s *System) Create(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef) error {
	if dp.Kind() == connection.KindContainer {
		return nil
	}
	exists, err := s.Exists(ctx, dp)
	if err != nil {
		return err
	}
	if exists {
		return errors.Newf(errors.ErrorTypeConflict, "%s already exists", dp.ID())
	}
	return s.writeEmpty(ctx, dp, rel)
}

func (s *System) writeEmpty(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef) error {
	var buf bytes.Buffer
	if codec, ok := dp.MediaType().Codec(); ok && codec != format.Text && codec != format.JSONL {
		alg, _ := compression.FromPath(dp.Path())
		cw, err := compression.NewWriter(alg, &buf)
		if err != nil {
			return err
		}
		enc, err := format.NewWriter(codec, cw, rel, s.options(dp), s.header)
		if err != nil {
			return err
		}
		if err := multierr.Combine(enc.Close(), cw.Close()); err != nil {
			return err
		}
	}
	return s.upload(ctx, dp, &buf)
}

func (s *System) upload(ctx context.Context, dp *connection.DataPath, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.loc.Bucket),
		Key:         aws.String(s.key(dp)),
		Body:        body,
		ContentType: aws.String(string(dp.MediaType())),
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "upload of %s failed", dp.ID())
	}
	return nil
}

// Drop implements connection.Droppable. A container drops every object
// under its prefix.
func (s *System) Drop(ctx context.Context, dp *connection.DataPath) error {
	if dp.Kind() == connection.KindContainer {
		if s.key(dp) == s.loc.Prefix {
			return errors.Newf(errors.ErrorTypeValidation, "the root of %s cannot be dropped", dp.Connection().Name())
		}
		return s.deletePrefix(ctx, dp)
	}
	exists, err := s.Exists(ctx, dp)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.key(dp)),
	})
	if err != nil {
		return s.wrap(err, dp)
	}
	return nil
}

func (s *System) deletePrefix(ctx context.Context, dp *connection.DataPath) error {
	keys, err := s.keys(ctx, s.key(dp))
	if err != nil {
		return s.wrap(err, dp)
	}
	var errs error
	for _, k := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.loc.Bucket),
			Key:    aws.String(k),
		})
		errs = multierr.Append(errs, err)
	}
	s.logger.Debug("prefix deleted", zap.String("prefix", s.key(dp)), zap.Int("objects", len(keys)))
	return errs
}

// Truncate implements connection.Droppable
func (s *System) Truncate(ctx context.Context, dp *connection.DataPath) error {
	if dp.Kind() == connection.KindContainer {
		return s.deletePrefix(ctx, dp)
	}
	exists, err := s.Exists(ctx, dp)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return err
	}
	return s.writeEmpty(ctx, dp, rel)
}

func (s *System) options(dp *connection.DataPath) format.Options {
	opts := s.opts
	if d, ok := dp.Attributes().Value("delimiter"); ok && d != "" {
		opts.Delimiter = []rune(d)[0]
	}
	if h, err := dp.Attributes().Bool("header", !opts.NoHeader); err == nil {
		opts.NoHeader = !h
	}
	_, stripped := compression.FromPath(dp.Path())
	if path.Ext(strings.ToLower(stripped)) == ".tsv" && opts.Delimiter == 0 {
		opts.Delimiter = '\t'
	}
	return opts
}

// openDecoded downloads an object through its compression codec
func (s *System) openDecoded(ctx context.Context, dp *connection.DataPath) (io.ReadCloser, error) {
	body, err := s.OpenBlob(ctx, dp)
	if err != nil {
		return nil, err
	}
	alg, _ := compression.FromPath(dp.Path())
	r, err := compression.NewReader(alg, body)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &decodedObject{ReadCloser: r, body: body}, nil
}

type decodedObject struct {
	io.ReadCloser
	body io.Closer
}

func (d *decodedObject) Close() error {
	return multierr.Combine(d.ReadCloser.Close(), d.body.Close())
}

// Describe implements connection.Readable
func (s *System) Describe(ctx context.Context, dp *connection.DataPath) (*relation.RelationDef, error) {
	codec, ok := dp.MediaType().Codec()
	if !ok {
		return relation.New(), nil
	}
	r, err := s.openDecoded(ctx, dp)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return format.Describe(codec, r, s.options(dp))
}

// Select implements connection.Readable
func (s *System) Select(ctx context.Context, dp *connection.DataPath) (stream.SelectStream, error) {
	codec, ok := dp.MediaType().Codec()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "%s has media type %q and holds no rows", dp.ID(), dp.MediaType())
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	f, err := format.NewFetcher(ctx, func() (io.ReadCloser, error) { return s.openDecoded(ctx, dp) }, codec, s.options(dp), rel)
	if err != nil {
		return nil, err
	}
	return stream.NewCursor(dp.ID(), f.Relation(), f, dp.Connection().Collector()), nil
}

// Insert implements connection.Writable. Objects are immutable: the rows of
// an existing object are read back and the object is uploaded again with
// the new rows appended.
func (s *System) Insert(ctx context.Context, dp *connection.DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	if opts.Operation == stream.OperationUpsert {
		return nil, errors.Newf(errors.ErrorTypeCapability, "upsert is not supported on object %s", dp.ID())
	}
	codec, ok := dp.MediaType().Codec()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "%s has media type %q and holds no rows", dp.ID(), dp.MediaType())
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	if rel.Empty() && codec != format.Text {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s has no columns to write", dp.ID())
	}
	size, err := s.size(ctx, dp)
	if err != nil {
		return nil, err
	}
	var previous [][]any
	if size > 0 {
		sel, err := s.Select(ctx, dp)
		if err != nil {
			return nil, err
		}
		if previous, err = stream.Collect(ctx, sel); err != nil {
			return nil, err
		}
	}

	body, err := s.CreateBlob(ctx, dp)
	if err != nil {
		return nil, err
	}
	alg, _ := compression.FromPath(dp.Path())
	cw, err := compression.NewWriter(alg, body)
	if err != nil {
		body.Close()
		return nil, err
	}
	enc, err := format.NewWriter(codec, cw, rel, s.options(dp), s.header)
	if err != nil {
		body.Close()
		return nil, err
	}
	w := &objectWriter{body: body, compressor: cw, encoder: enc}
	if len(previous) > 0 {
		if err := w.WriteBatch(ctx, previous); err != nil {
			w.Close(ctx)
			return nil, err
		}
	}
	s.logger.Debug("object opened for writing",
		zap.String("key", s.key(dp)),
		zap.Int("rewritten_rows", len(previous)))
	return stream.NewBatchInserter(dp.ID(), rel, w, opts, dp.Connection().Collector()), nil
}

// OpenBlob implements connection.BlobReader
func (s *System) OpenBlob(ctx context.Context, dp *connection.DataPath) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(s.key(dp)),
	})
	if err != nil {
		return nil, s.wrap(err, dp)
	}
	return out.Body, nil
}

// CreateBlob implements connection.BlobWriter. The bytes are streamed to a
// multipart upload which completes on Close.
func (s *System) CreateBlob(ctx context.Context, dp *connection.DataPath) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	u := &uploadWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		err := s.upload(ctx, dp, pr)
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

type uploadWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (u *uploadWriter) Write(p []byte) (int, error) { return u.pw.Write(p) }

// Close flushes the pipe and waits for the upload
func (u *uploadWriter) Close() error {
	if err := u.pw.Close(); err != nil {
		return err
	}
	return <-u.done
}

type objectWriter struct {
	body       io.WriteCloser
	compressor io.WriteCloser
	encoder    format.Writer
}

func (w *objectWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	for _, row := range rows {
		if err := w.encoder.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (w *objectWriter) Close(ctx context.Context) error {
	return multierr.Combine(w.encoder.Close(), w.compressor.Close(), w.body.Close())
}
